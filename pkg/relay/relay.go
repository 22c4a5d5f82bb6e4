package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ovalboard/lapboard-service-go/log"
)

// Relay forwards same-origin requests to the upstream timing server. It
// exists to work around mixed-content and CORS restrictions of board
// viewers: browsers talk to the relay, the relay talks to the upstream.
type Relay struct {
	upstreamBase string // upstream base url incl. path, no trailing slash
	upstreamPath string // path component of upstreamBase
	basePath     string // mount point, e.g. /relay
	hostOverride string // optional virtual hostname for the upstream
	client       *http.Client
	log          *log.Logger
}

type Option func(r *Relay)

func WithBasePath(basePath string) Option {
	return func(r *Relay) { r.basePath = "/" + strings.Trim(basePath, "/") }
}

// WithHostOverride sets the outgoing Host header. Needed when the upstream
// is addressed by IP but expects a virtual hostname.
func WithHostOverride(host string) Option {
	return func(r *Relay) { r.hostOverride = host }
}

func WithHTTPClient(client *http.Client) Option {
	return func(r *Relay) { r.client = client }
}

func WithLogger(logger *log.Logger) Option {
	return func(r *Relay) { r.log = logger }
}

// NewRelay creates a relay forwarding to the given upstream base URL.
func NewRelay(upstreamBase string, opts ...Option) (*Relay, error) {
	if upstreamBase == "" {
		return nil, fmt.Errorf("empty upstream base url")
	}
	ret := &Relay{
		upstreamBase: strings.TrimRight(upstreamBase, "/"),
		basePath:     "/relay",
		log:          log.Default().Named("relay"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if parsed, err := url.Parse(ret.upstreamBase); err == nil {
		ret.upstreamPath = parsed.Path
	}
	if ret.client == nil {
		// redirects are surfaced to the caller, never followed
		ret.client = &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return ret, nil
}

// BasePath returns the mount point of the relay.
func (r *Relay) BasePath() string { return r.basePath }

// ServeHTTP forwards the request to the upstream and pipes the answer
// back. Handshake responses get their session URL rewritten so clients
// keep talking to the relay.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	subPath := strings.Trim(strings.TrimPrefix(req.URL.Path, rl.basePath), "/")
	targetURL := fmt.Sprintf("%s/%s", rl.upstreamBase, subPath)
	if req.URL.RawQuery != "" {
		targetURL = fmt.Sprintf("%s?%s", targetURL, req.URL.RawQuery)
	}

	outReq, err := rl.buildRequest(req, targetURL)
	if err != nil {
		rl.writeFetchFailed(w, targetURL, err)
		return
	}
	resp, err := rl.client.Do(outReq)
	if err != nil {
		rl.log.Warn("upstream unreachable",
			log.String("target", targetURL), log.ErrorField(err))
		rl.writeFetchFailed(w, targetURL, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	header.Set("Access-Control-Allow-Origin", "*")

	if isNegotiatePath(subPath) && isJSONResponse(resp) {
		rl.writeRewrittenNegotiate(w, req, resp)
		return
	}

	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

func (rl *Relay) buildRequest(req *http.Request, targetURL string) (*http.Request, error) {
	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = req.Body
	}
	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, targetURL, body)
	if err != nil {
		return nil, err
	}
	for k, values := range req.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Origin":
			continue
		case "Content-Type":
			if req.Method == http.MethodGet || req.Method == http.MethodHead {
				continue
			}
		}
		for _, v := range values {
			outReq.Header.Add(k, v)
		}
	}
	if outReq.Header.Get("Accept") == "" {
		outReq.Header.Set("Accept", "*/*")
	}
	if rl.hostOverride != "" {
		outReq.Host = rl.hostOverride
	}
	return outReq, nil
}

// writeFetchFailed converts an upstream network failure into a structured
// 502 so callers always see a well-formed response.
func (rl *Relay) writeFetchFailed(w http.ResponseWriter, targetURL string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusBadGateway)
	//nolint:errcheck // best effort error body
	json.NewEncoder(w).Encode(map[string]string{
		"error":     "fetch_failed",
		"targetUrl": targetURL,
		"message":   err.Error(),
	})
}

func isNegotiatePath(subPath string) bool {
	return subPath == "negotiate" || strings.HasSuffix(subPath, "/negotiate")
}

func isJSONResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "application/json")
}

func flushCopy(w http.ResponseWriter, src io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
