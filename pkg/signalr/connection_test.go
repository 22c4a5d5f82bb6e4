//nolint:funlen,thelper // ok for tests
package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

const testTimeout = 5 * time.Second

func waitForBatch(t *testing.T, conn *Connection) []model.RawTimingPayload {
	select {
	case batch := <-conn.Batches():
		return batch
	case <-time.After(testTimeout):
		t.Fatal("no batch received")
		return nil
	}
}

// fakeLegacyServer mimics an older generation timing server: a legacy
// negotiate shape, no websockets, pushes over server-sent events.
type fakeLegacyServer struct {
	server          *httptest.Server
	push            chan string
	modernAttempts  atomic.Int32
	legacyAttempts  atomic.Int32
	subscribeCalled atomic.Bool
}

func newFakeLegacyServer() *fakeLegacyServer {
	f := &fakeLegacyServer{push: make(chan string, 8)}
	mux := http.NewServeMux()
	legacyNegotiate := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Url":"/signalr","ConnectionToken":"ltok",`+
			`"ConnectionId":"lcid","TryWebSockets":false,"ProtocolVersion":"1.5"}`)
	}
	// the modern probe lands here and gets the legacy shape back
	mux.HandleFunc("/negotiate", func(w http.ResponseWriter, r *http.Request) {
		f.modernAttempts.Add(1)
		legacyNegotiate(w, r)
	})
	mux.HandleFunc("/signalr/negotiate", func(w http.ResponseWriter, r *http.Request) {
		f.legacyAttempts.Add(1)
		legacyNegotiate(w, r)
	})
	mux.HandleFunc("/signalr/connect", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "no flusher", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: initialized\n\n")
		flusher.Flush()
		for {
			select {
			case frame := <-f.push:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/signalr/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Response":"started"}`)
	})
	mux.HandleFunc("/signalr/send", func(w http.ResponseWriter, r *http.Request) {
		f.subscribeCalled.Store(true)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/signalr/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.server = httptest.NewServer(mux)
	return f
}

func TestDial_LegacyFallback(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	conn, err := Dial(context.Background(), f.server.URL)
	require.NoError(t, err)
	defer conn.Stop()

	assert.Equal(t, DialectLegacy, conn.Dialect())
	assert.Equal(t, StateSubscribed, conn.State())
	assert.True(t, conn.Active())
	// exactly one modern probe, then the dialect switch
	assert.Equal(t, int32(1), f.modernAttempts.Load())
	assert.Equal(t, int32(1), f.legacyAttempts.Load())

	f.push <- `{"C":"d-1","M":[{"H":"LiveLTTimingDataHub",` +
		`"M":"SendLiveLapboardData","A":[[{"EventType":"ShowWhite","Name":"Skater A"}]]}]}`
	batch := waitForBatch(t, conn)
	require.Len(t, batch, 1)
	assert.Equal(t, "ShowWhite", batch[0].EventType)
	assert.Equal(t, "Skater A", batch[0].Name)
}

func TestDial_LegacyDirectByPathHint(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	// a /signalr path goes straight to the legacy dialect, no modern probe
	conn, err := Dial(context.Background(), f.server.URL+"/signalr")
	require.NoError(t, err)
	defer conn.Stop()

	assert.Equal(t, DialectLegacy, conn.Dialect())
	assert.Equal(t, int32(0), f.modernAttempts.Load())
	assert.True(t, f.subscribeCalled.Load())
}

func TestDial_LegacySchemeRetry(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	// secure hint against a plain-http server: exactly one retry over http
	httpsURL := "https:" + strings.TrimPrefix(f.server.URL, "http:") + "/signalr"
	conn, err := Dial(context.Background(), httpsURL)
	require.NoError(t, err)
	defer conn.Stop()

	assert.Equal(t, DialectLegacy, conn.Dialect())
	// the secure attempt never reaches the handler, the http retry does, once
	assert.Equal(t, int32(1), f.legacyAttempts.Load())
	assert.True(t, f.subscribeCalled.Load())
}

func TestDial_LegacySchemeRetryExhausted(t *testing.T) {
	_, err := Dial(context.Background(), "https://127.0.0.1:1/signalr",
		WithHTTPClient(&http.Client{Timeout: 500 * time.Millisecond}))
	require.Error(t, err)
	assert.True(t, IsSchemeMismatch(err))
}

func TestConnection_UseRelay(t *testing.T) {
	parse := func(raw string) *Endpoint {
		e, err := ParseEndpoint(raw)
		require.NoError(t, err)
		return e
	}
	tests := []struct {
		name     string
		conn     *Connection
		expected bool
	}{
		{"different origin", &Connection{relayURL: "http://relay.local:8090/relay",
			endpoint: parse("http://timing.local:5264/signalr")}, true},
		{"same host different port", &Connection{relayURL: "http://timing.local:8090/relay",
			endpoint: parse("http://timing.local:5264/signalr")}, true},
		{"same origin", &Connection{relayURL: "http://timing.local:5264/relay",
			endpoint: parse("http://timing.local:5264/signalr")}, false},
		{"secure endpoint", &Connection{relayURL: "http://relay.local:8090/relay",
			endpoint: parse("https://timing.local/signalr")}, false},
		{"direct override", &Connection{relayURL: "http://relay.local:8090/relay",
			direct:   true,
			endpoint: parse("http://timing.local:5264/signalr")}, false},
		{"no relay configured", &Connection{
			endpoint: parse("http://timing.local:5264/signalr")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.conn.useRelay())
		})
	}
}

func TestDial_LegacyRelayed(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	// the upstream host does not exist, everything must go through the relay
	conn, err := Dial(context.Background(), "http://upstream.invalid:9/signalr",
		WithRelay(f.server.URL))
	require.NoError(t, err)
	defer conn.Stop()

	assert.Equal(t, DialectLegacy, conn.Dialect())
	assert.True(t, f.subscribeCalled.Load())

	f.push <- `{"C":"d-1","M":[{"H":"LiveLTTimingDataHub",` +
		`"M":"SendLiveLapboardData","A":[[{"EventType":"ShowRed","Name":"Skater B"}]]}]}`
	batch := waitForBatch(t, conn)
	require.Len(t, batch, 1)
	assert.Equal(t, "ShowRed", batch[0].EventType)
}

func TestDial_LegacyIgnoresForeignInvocations(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	conn, err := Dial(context.Background(), f.server.URL+"/signalr")
	require.NoError(t, err)
	defer conn.Stop()

	f.push <- `{"C":"d-1","M":[{"H":"OtherHub","M":"SendLiveLapboardData",` +
		`"A":[[{"EventType":"ShowRed"}]]}]}`
	f.push <- `{"C":"d-2","M":[{"H":"LiveLTTimingDataHub","M":"SomethingElse",` +
		`"A":[[{"EventType":"ShowRed"}]]}]}`
	f.push <- `{"C":"d-3","M":[{"H":"LiveLTTimingDataHub","M":"SendLiveLapboardData",` +
		`"A":[[{"EventType":"ShowBlue"}]]}]}`

	batch := waitForBatch(t, conn)
	require.Len(t, batch, 1)
	assert.Equal(t, "ShowBlue", batch[0].EventType)
}

func TestDial_Stop(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	conn, err := Dial(context.Background(), f.server.URL+"/signalr")
	require.NoError(t, err)

	conn.Stop()
	assert.Equal(t, StateStopped, conn.State())
	assert.False(t, conn.Active())
	select {
	case <-conn.Done():
	case <-time.After(testTimeout):
		t.Fatal("done not closed after stop")
	}
	assert.NoError(t, conn.Err())
	// idempotent
	conn.Stop()
}

func TestDial_InvalidEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:1/nope",
		WithHTTPClient(&http.Client{Timeout: 500 * time.Millisecond}))
	assert.Error(t, err)
}

// fakeModernServer speaks the current dialect: negotiate plus a json hub
// protocol websocket.
func newFakeModernServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"connectionToken":"mtok","connectionId":"mcid","negotiateVersion":1}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "mtok" {
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// handshake request ends the first client frame
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		handshakeAck := append([]byte(`{}`), recordSeparator)
		if err := ws.WriteMessage(websocket.TextMessage, handshakeAck); err != nil {
			return
		}
		invocation := modernMessage{
			Type:   msgTypeInvocation,
			Target: "SendLiveLapboardData",
			Arguments: []json.RawMessage{
				json.RawMessage(`[{"EventType":"Lap","GroupId":"White","LapCnt":2,"LapTime":"38.74"}]`),
			},
		}
		data, _ := json.Marshal(invocation)
		if err := ws.WriteMessage(websocket.TextMessage,
			append(data, recordSeparator)); err != nil {
			return
		}
		// drain subscribe / ping frames until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestDial_Modern(t *testing.T) {
	server := newFakeModernServer(t)
	defer server.Close()

	conn, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer conn.Stop()

	assert.Equal(t, DialectModern, conn.Dialect())
	assert.Equal(t, StateSubscribed, conn.State())

	batch := waitForBatch(t, conn)
	require.Len(t, batch, 1)
	assert.Equal(t, "Lap", batch[0].EventType)
	assert.Equal(t, "White", batch[0].Group())
	assert.Equal(t, "38.74", batch[0].LapTime)
}

func TestConnection_StatusSignals(t *testing.T) {
	f := newFakeLegacyServer()
	defer f.server.Close()

	conn, err := Dial(context.Background(), f.server.URL+"/signalr")
	require.NoError(t, err)
	defer conn.Stop()

	select {
	case connected := <-conn.Status():
		assert.True(t, connected)
	case <-time.After(testTimeout):
		t.Fatal("no status signal")
	}
}
