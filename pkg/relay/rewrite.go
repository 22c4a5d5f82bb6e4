package relay

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/ovalboard/lapboard-service-go/log"
)

var urlPath = jp.MustParseString("$.Url")

// writeRewrittenNegotiate rewrites the session Url of a negotiate answer so
// the client keeps all follow-up requests on the relay. Anything that does
// not parse or carries no Url passes through untouched.
func (rl *Relay) writeRewrittenNegotiate(
	w http.ResponseWriter, req *http.Request, resp *http.Response,
) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rl.writeFetchFailed(w, rl.upstreamBase, err)
		return
	}
	out := rl.rewriteNegotiateBody(body, relayBase(req, rl.basePath))
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	//nolint:errcheck // nothing left to do on a failed client write
	w.Write(out)
}

// rewriteNegotiateBody maps the upstream session Url onto the relay:
// absolute urls pointing at the upstream base get that base replaced,
// relative urls under the upstream path get re-rooted on the relay path.
func (rl *Relay) rewriteNegotiateBody(body []byte, relayBase string) []byte {
	parsed, err := oj.Parse(body)
	if err != nil {
		return body
	}
	found := urlPath.Get(parsed)
	if len(found) == 0 {
		return body
	}
	sessionURL, ok := found[0].(string)
	if !ok || sessionURL == "" {
		return body
	}

	var rewritten string
	switch {
	case strings.HasPrefix(sessionURL, rl.upstreamBase):
		rewritten = relayBase + strings.TrimPrefix(sessionURL, rl.upstreamBase)
	case rl.upstreamPath != "" && strings.HasPrefix(sessionURL, rl.upstreamPath):
		rewritten = rl.basePath + strings.TrimPrefix(sessionURL, rl.upstreamPath)
	default:
		return body
	}
	if err := urlPath.Set(parsed, rewritten); err != nil {
		rl.log.Warn("negotiate rewrite failed", log.ErrorField(err))
		return body
	}
	rl.log.Debug("negotiate url rewritten",
		log.String("from", sessionURL), log.String("to", rewritten))
	return []byte(oj.JSON(parsed))
}

// relayBase derives the absolute relay base url as seen by the client.
func relayBase(req *http.Request, basePath string) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if fwd := req.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, req.Host, basePath)
}
