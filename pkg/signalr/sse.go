package signalr

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// sseTransport reads a legacy server-sent-events stream. Used for relayed
// connections where a websocket upgrade is not available.
type sseTransport struct {
	resp   *http.Response
	cancel context.CancelFunc
	frames chan []byte
	err    error
	mu     sync.Mutex
	closed bool
}

const ssePayloadInitialized = "initialized"

// connectSSE opens the event stream and waits for the initialized marker
// to arrive asynchronously (the server sends it as the first event).
func connectSSE(ctx context.Context, connectURL string, client *http.Client) (*sseTransport, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, connectURL, http.NoBody)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse connect %s: %w", connectURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse connect %s: unexpected status %d", connectURL, resp.StatusCode)
	}

	t := &sseTransport{
		resp:   resp,
		cancel: cancel,
		frames: make(chan []byte, frameBufferSize),
	}
	go t.readPump(ctx)
	return t, nil
}

func (t *sseTransport) readPump(ctx context.Context) {
	defer close(t.frames)
	defer t.resp.Body.Close()

	scanner := bufio.NewScanner(t.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == ssePayloadInitialized {
			continue
		}
		select {
		case t.frames <- []byte(payload):
		case <-ctx.Done():
			return
		}
	}
	t.mu.Lock()
	if !t.closed {
		t.err = scanner.Err()
		if t.err == nil {
			t.err = fmt.Errorf("sse stream ended")
		}
	}
	t.mu.Unlock()
}

func (t *sseTransport) Frames() <-chan []byte { return t.frames }

func (t *sseTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	return nil
}
