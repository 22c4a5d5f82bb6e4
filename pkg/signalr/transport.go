package signalr

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// transport delivers raw frames of one push session in arrival order.
// The frames channel is closed when the session ends; Err holds the
// terminal error afterwards (nil on deliberate close).
type transport interface {
	Frames() <-chan []byte
	Err() error
	Close() error
}

// duplexTransport can additionally send frames to the server.
type duplexTransport interface {
	transport
	Send(ctx context.Context, data []byte) error
}

// transport names as used on the wire by the legacy dialect
const (
	transportWebSockets       = "webSockets"
	transportServerSentEvents = "serverSentEvents"
	transportLongPolling      = "longPolling"
)

const frameBufferSize = 64

// toWebsocketURL converts an http(s) URL into its ws(s) counterpart.
func toWebsocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

type websocketTransport struct {
	conn     *websocket.Conn
	frames   chan []byte
	err      error
	mu       sync.Mutex
	closed   bool
	writeMu  sync.Mutex
	doneChan chan struct{}
}

// dialWebsocket opens a websocket session and starts the read pump.
func dialWebsocket(ctx context.Context, wsURL string) (*websocketTransport, error) {
	//nolint:bodyclose // response body is managed by the websocket library
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	t := &websocketTransport{
		conn:     conn,
		frames:   make(chan []byte, frameBufferSize),
		doneChan: make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *websocketTransport) readPump() {
	defer close(t.frames)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.err = err
			}
			t.mu.Unlock()
			return
		}
		select {
		case t.frames <- data:
		case <-t.doneChan:
			return
		}
	}
}

func (t *websocketTransport) Frames() <-chan []byte { return t.frames }

func (t *websocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *websocketTransport) Send(_ context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.doneChan)
	t.mu.Unlock()

	t.writeMu.Lock()
	//nolint:errcheck // best effort close frame
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}
