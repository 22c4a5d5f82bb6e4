//nolint:funlen // ok for tests
package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method      string
	path        string
	query       url.Values
	origin      string
	host        string
	accept      string
	contentType string
	body        string
}

func newUpstream(respond func(w http.ResponseWriter, r *http.Request)) (
	*httptest.Server, *recordedRequest,
) {
	rec := &recordedRequest{}
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			rec.method = r.Method
			rec.path = r.URL.Path
			rec.query = r.URL.Query()
			rec.origin = r.Header.Get("Origin")
			rec.host = r.Host
			rec.accept = r.Header.Get("Accept")
			rec.contentType = r.Header.Get("Content-Type")
			body, _ := io.ReadAll(r.Body)
			rec.body = string(body)
			respond(w, r)
		}))
	return server, rec
}

func TestRelay_ForwardsPathAndQuery(t *testing.T) {
	upstream, rec := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	})
	defer upstream.Close()

	rl, err := NewRelay(upstream.URL+"/signalr", WithBasePath("/relay"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		"/relay/poll?transport=longPolling&messageId=d-1", http.NoBody)
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/signalr/poll", rec.path)
	assert.Equal(t, "longPolling", rec.query.Get("transport"))
	assert.Equal(t, "d-1", rec.query.Get("messageId"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestRelay_ScrubsBrowserHeaders(t *testing.T) {
	upstream, rec := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer upstream.Close()

	rl, err := NewRelay(upstream.URL + "/signalr")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/relay/ping", http.NoBody)
	req.Header.Set("Origin", "http://board.example")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custom", "kept")
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, req)

	assert.Empty(t, rec.origin)
	// Content-Type on a GET is scrubbed as well
	assert.Empty(t, rec.contentType)
	assert.Equal(t, "*/*", rec.accept)
}

func TestRelay_ForwardsBodyAndContentType(t *testing.T) {
	upstream, rec := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer upstream.Close()

	rl, err := NewRelay(upstream.URL + "/signalr")
	require.NoError(t, err)

	form := "data=%7B%22H%22%3A%22hub%22%7D"
	req := httptest.NewRequest(http.MethodPost, "/relay/send?transport=serverSentEvents",
		strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, req)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "application/x-www-form-urlencoded", rec.contentType)
	assert.Equal(t, form, rec.body)
}

func TestRelay_HostOverride(t *testing.T) {
	upstream, rec := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer upstream.Close()

	rl, err := NewRelay(upstream.URL+"/signalr",
		WithHostOverride("timing.internal"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/relay/ping", http.NoBody)
	rl.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "timing.internal", rec.host)
}

func TestRelay_UpstreamDown(t *testing.T) {
	rl, err := NewRelay("http://127.0.0.1:1/signalr")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/relay/negotiate", http.NoBody)
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "fetch_failed", payload["error"])
	assert.Contains(t, payload["targetUrl"], "/signalr/negotiate")
	assert.NotEmpty(t, payload["message"])
}

func TestRelay_DoesNotFollowRedirects(t *testing.T) {
	upstream, _ := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://elsewhere.example/")
		w.WriteHeader(http.StatusFound)
	})
	defer upstream.Close()

	rl, err := NewRelay(upstream.URL + "/signalr")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/relay/ping", http.NoBody)
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://elsewhere.example/", w.Header().Get("Location"))
}

func TestRelay_RewritesNegotiateURL(t *testing.T) {
	var upstreamBase string
	upstream, _ := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"Url":"%s/abc","ConnectionToken":"tok"}`, upstreamBase)
	})
	defer upstream.Close()
	upstreamBase = upstream.URL + "/signalr"

	rl, err := NewRelay(upstreamBase, WithBasePath("/relay"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		"http://relay.example/relay/negotiate?clientProtocol=1.5", http.NoBody)
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, req)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "http://relay.example/relay/abc", payload["Url"])
	// untouched fields survive the rewrite
	assert.Equal(t, "tok", payload["ConnectionToken"])
}

func TestRelay_RewriteNegotiateBody_Relative(t *testing.T) {
	rl, err := NewRelay("http://timing.local:5264/signalr", WithBasePath("/relay"))
	require.NoError(t, err)

	out := rl.rewriteNegotiateBody(
		[]byte(`{"Url":"/signalr/abc"}`), "http://relay.example/relay")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Equal(t, "/relay/abc", payload["Url"])
}

func TestRelay_RewriteNegotiateBody_PassThrough(t *testing.T) {
	rl, err := NewRelay("http://timing.local:5264/signalr")
	require.NoError(t, err)

	// no Url field
	body := []byte(`{"ConnectionToken":"tok"}`)
	assert.Equal(t, body, rl.rewriteNegotiateBody(body, "http://relay.example/relay"))

	// foreign url stays untouched
	body = []byte(`{"Url":"http://other.example/signalr"}`)
	assert.Equal(t, body, rl.rewriteNegotiateBody(body, "http://relay.example/relay"))

	// malformed json passes through
	body = []byte(`not json`)
	assert.Equal(t, body, rl.rewriteNegotiateBody(body, "http://relay.example/relay"))
}
