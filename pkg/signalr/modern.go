package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

// reconnect schedule of the modern dialect (built-in automatic reconnect)
var modernReconnectDelays = []time.Duration{
	0, 2 * time.Second, 10 * time.Second, 30 * time.Second,
}

const (
	jsonHubProtocol    = "json"
	jsonHubVersion     = 1
	modernPingInterval = 15 * time.Second
)

// modernSession drives one logical connection of the modern dialect,
// including its transparent reconnects.
type modernSession struct {
	endpoint        *Endpoint
	client          *http.Client
	eventTarget     string
	subscribeMethod string
	log             *log.Logger
	wireLog         *log.Logger

	emit     func(batch []model.RawTimingPayload)
	onStatus func(connected bool)
	onClosed func(err error)

	mu          sync.Mutex
	transport   duplexTransport
	advisoryErr error
	connected   atomic.Bool
	stopped     atomic.Bool
	invocID     atomic.Int64
}

// start negotiates, connects and subscribes. A legacy server answering the
// negotiate is surfaced as ErrLegacyServerDetected for the dialect fallback.
func (s *modernSession) start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.subscribe(ctx)
	return nil
}

func (s *modernSession) connect(ctx context.Context) error {
	token, err := s.negotiate(ctx)
	if err != nil {
		return err
	}

	wsURL := fmt.Sprintf("%s?id=%s", toWebsocketURL(s.endpoint.URL()), token)
	t, err := dialWebsocket(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := s.handshake(ctx, t); err != nil {
		//nolint:errcheck // already failing
		t.Close()
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.connected.Store(true)
	s.onStatus(true)

	go s.readPump(ctx, t)
	go s.keepAlive(ctx, t)
	return nil
}

func (s *modernSession) negotiate(ctx context.Context) (string, error) {
	negotiateURL := fmt.Sprintf("%s/negotiate?negotiateVersion=1", s.endpoint.URL())
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, negotiateURL, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("negotiate %s: %w", negotiateURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("negotiate read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("negotiate %s: unexpected status %d", negotiateURL, resp.StatusCode)
	}
	var negotiated modernNegotiateResponse
	if err := json.Unmarshal(body, &negotiated); err != nil {
		return "", fmt.Errorf("negotiate decode: %w", err)
	}
	if negotiated.ProtocolVersion != "" {
		// server answered with the legacy negotiate shape
		return "", fmt.Errorf("negotiate %s (protocol version %s): %w",
			negotiateURL, negotiated.ProtocolVersion, ErrLegacyServerDetected)
	}
	token := negotiated.ConnectionToken
	if token == "" {
		token = negotiated.ConnectionID
	}
	if token == "" {
		return "", fmt.Errorf("negotiate %s: no connection token", negotiateURL)
	}
	return token, nil
}

func (s *modernSession) handshake(ctx context.Context, t duplexTransport) error {
	req, _ := json.Marshal(modernHandshakeRequest{
		Protocol: jsonHubProtocol, Version: jsonHubVersion,
	})
	if err := t.Send(ctx, append(req, recordSeparator)); err != nil {
		return fmt.Errorf("handshake send: %w", err)
	}
	select {
	case frame, ok := <-t.Frames():
		if !ok {
			return fmt.Errorf("handshake: connection closed: %w", t.Err())
		}
		frames := splitFrames(frame)
		if len(frames) == 0 {
			return fmt.Errorf("handshake: empty response")
		}
		var hs modernHandshakeResponse
		if err := json.Unmarshal(frames[0], &hs); err != nil {
			return fmt.Errorf("handshake decode: %w", err)
		}
		if hs.Error != "" {
			return fmt.Errorf("handshake rejected: %s", hs.Error)
		}
		// anything after the handshake response is regular traffic
		for _, extra := range frames[1:] {
			s.handleFrame(extra)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribe registers for the live feed. Failures are advisory: some
// servers push without explicit subscription.
func (s *modernSession) subscribe(ctx context.Context) {
	inv := modernInvocation{
		Type:         msgTypeInvocation,
		InvocationID: fmt.Sprintf("%d", s.invocID.Add(1)),
		Target:       s.subscribeMethod,
		Arguments:    []any{},
	}
	data, _ := json.Marshal(inv)
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	err := t.Send(ctx, append(data, recordSeparator))
	s.mu.Lock()
	s.advisoryErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("subscribe call failed or not required",
			log.String("method", s.subscribeMethod), log.ErrorField(err))
	}
}

// advisory returns the non-fatal subscribe failure, if any.
func (s *modernSession) advisory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advisoryErr
}

func (s *modernSession) readPump(ctx context.Context, t duplexTransport) {
	for frame := range t.Frames() {
		for _, f := range splitFrames(frame) {
			s.handleFrame(f)
		}
	}
	s.connected.Store(false)
	if s.stopped.Load() {
		return
	}
	s.onStatus(false)
	s.log.Warn("connection lost", log.ErrorField(t.Err()))
	s.reconnect(ctx)
}

func (s *modernSession) handleFrame(frame []byte) {
	s.wireLog.Debug("frame received", log.String("data", string(bytes.TrimSpace(frame))))
	var msg modernMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.log.Warn("dropping undecodable frame", log.ErrorField(err))
		return
	}
	switch msg.Type {
	case msgTypeInvocation:
		if msg.Target != s.eventTarget || len(msg.Arguments) == 0 {
			return
		}
		batch, err := decodeBatchArgument(msg.Arguments[0])
		if err != nil {
			s.log.Warn("dropping malformed batch", log.ErrorField(err))
			return
		}
		if len(batch) > 0 {
			s.emit(batch)
		}
	case msgTypeCompletion, msgTypePing:
		// nothing to do
	case msgTypeClose:
		s.log.Info("server closed connection",
			log.String("error", msg.Error), log.Bool("allowReconnect", msg.AllowReconnect))
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t != nil {
			//nolint:errcheck // transport is going away
			t.Close()
		}
	}
}

func (s *modernSession) keepAlive(ctx context.Context, t duplexTransport) {
	ping, _ := json.Marshal(modernMessage{Type: msgTypePing})
	ticker := time.NewTicker(modernPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.connected.Load() {
				return
			}
			if err := t.Send(ctx, append(ping, recordSeparator)); err != nil {
				return
			}
		}
	}
}

// reconnect runs the built-in automatic reconnect schedule.
func (s *modernSession) reconnect(ctx context.Context) {
	for attempt, delay := range modernReconnectDelays {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		s.log.Info("reconnecting", log.Int("attempt", attempt+1))
		if err := s.connect(ctx); err != nil {
			s.log.Warn("reconnect attempt failed",
				log.Int("attempt", attempt+1), log.ErrorField(err))
			continue
		}
		s.subscribe(ctx)
		return
	}
	s.log.Error("reconnect attempts exhausted")
	s.onClosed(fmt.Errorf("reconnect attempts exhausted"))
}

func (s *modernSession) active() bool { return s.connected.Load() }

// stop tears the session down, best effort.
func (s *modernSession) stop() {
	s.stopped.Store(true)
	s.connected.Store(false)
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		//nolint:errcheck // best effort cleanup
		t.Close()
	}
}
