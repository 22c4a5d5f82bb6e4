package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// longPollingTransport implements the legacy long-polling fallback: an
// initial connect request followed by a poll loop that carries the last
// seen message id.
type longPollingTransport struct {
	baseURL   string // legacy base incl. path, no trailing slash
	query     url.Values
	client    *http.Client
	cancel    context.CancelFunc
	frames    chan []byte
	err       error
	mu        sync.Mutex
	closed    bool
	messageID string
}

// connectLongPolling issues the connect request and starts the poll loop.
func connectLongPolling(
	baseURL string, query url.Values, client *http.Client,
) (*longPollingTransport, error) {
	pollCtx, cancel := context.WithCancel(context.Background())
	t := &longPollingTransport{
		baseURL: baseURL,
		query:   query,
		client:  client,
		cancel:  cancel,
		frames:  make(chan []byte, frameBufferSize),
	}

	frame, err := t.request(pollCtx, "connect")
	if err != nil {
		cancel()
		return nil, err
	}
	t.rememberMessageID(frame)

	go t.pollLoop(pollCtx, frame)
	return t, nil
}

func (t *longPollingTransport) pollLoop(ctx context.Context, first []byte) {
	defer close(t.frames)

	deliver := func(frame []byte) bool {
		select {
		case t.frames <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if len(first) > 0 && !deliver(first) {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := t.request(ctx, "poll")
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.err = err
			}
			t.mu.Unlock()
			return
		}
		t.rememberMessageID(frame)
		if len(frame) > 0 && !deliver(frame) {
			return
		}
	}
}

func (t *longPollingTransport) request(ctx context.Context, action string) ([]byte, error) {
	query := url.Values{}
	for k, v := range t.query {
		query[k] = v
	}
	if action == "poll" && t.messageID != "" {
		query.Set("messageId", t.messageID)
	}
	reqURL := fmt.Sprintf("%s/%s?%s", t.baseURL, action, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("long polling %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("long polling %s: unexpected status %d", action, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (t *longPollingTransport) rememberMessageID(frame []byte) {
	var decoded legacyFrame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return
	}
	if decoded.MessageID != "" {
		t.messageID = decoded.MessageID
	}
}

func (t *longPollingTransport) Frames() <-chan []byte { return t.frames }

func (t *longPollingTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *longPollingTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	return nil
}
