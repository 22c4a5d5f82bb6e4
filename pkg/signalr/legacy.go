package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

const legacyClientProtocol = "1.5"

// legacySession drives one connection of the legacy dialect. The dialect
// has no automatic reconnect: a lost connection only surfaces as a status
// change and the caller restarts the feed.
type legacySession struct {
	baseURL         string // normalized legacy base url, possibly the relay
	hub             string
	eventTarget     string
	subscribeMethod string
	relayed         bool // relayed paths cannot upgrade to websockets
	client          *http.Client
	log             *log.Logger
	wireLog         *log.Logger

	emit     func(batch []model.RawTimingPayload)
	onStatus func(connected bool)
	onClosed func(err error)

	mu            sync.Mutex
	transport     transport
	advisoryErr   error
	sessionBase   string
	token         string
	transportName string
	connected     atomic.Bool
	stopped       atomic.Bool
	invocID       atomic.Int64
}

func (s *legacySession) connectionData() string {
	data, _ := json.Marshal([]map[string]string{{"name": s.hub}})
	return string(data)
}

// start runs negotiate, transport connect, the start acknowledgement and
// the advisory subscribe call.
func (s *legacySession) start(ctx context.Context) error {
	negotiated, err := s.negotiate(ctx)
	if err != nil {
		return err
	}
	s.sessionBase = s.resolveSessionBase(negotiated.URL)
	s.token = negotiated.ConnectionToken

	if err := s.connectTransport(ctx, negotiated); err != nil {
		return err
	}
	if err := s.startRequest(ctx); err != nil {
		s.log.Warn("start acknowledgement failed", log.ErrorField(err))
	}
	s.connected.Store(true)
	s.onStatus(true)

	go s.readPump()

	s.subscribe(ctx)
	return nil
}

func (s *legacySession) negotiate(ctx context.Context) (*legacyNegotiateResponse, error) {
	query := url.Values{}
	query.Set("clientProtocol", legacyClientProtocol)
	query.Set("connectionData", s.connectionData())
	negotiateURL := fmt.Sprintf("%s/negotiate?%s", s.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, negotiateURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate %s: %w", negotiateURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("negotiate read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("negotiate %s: unexpected status %d", negotiateURL, resp.StatusCode)
	}
	var negotiated legacyNegotiateResponse
	if err := json.Unmarshal(body, &negotiated); err != nil {
		return nil, fmt.Errorf("negotiate decode: %w", err)
	}
	if negotiated.ConnectionToken == "" {
		return nil, fmt.Errorf("negotiate %s: no connection token", negotiateURL)
	}
	return &negotiated, nil
}

// resolveSessionBase follows the Url field of the negotiate response so a
// relayed handshake keeps all follow-up requests on the relay.
func (s *legacySession) resolveSessionBase(negotiatedURL string) string {
	if negotiatedURL == "" {
		return s.baseURL
	}
	if schemeRe.MatchString(negotiatedURL) {
		return strings.TrimRight(negotiatedURL, "/")
	}
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return s.baseURL
	}
	resolved := base.ResolveReference(&url.URL{Path: negotiatedURL})
	return strings.TrimRight(resolved.String(), "/")
}

func (s *legacySession) transportQuery() url.Values {
	query := url.Values{}
	query.Set("clientProtocol", legacyClientProtocol)
	query.Set("connectionToken", s.token)
	query.Set("connectionData", s.connectionData())
	return query
}

// connectTransport walks the transport preference order. Relayed
// connections skip websockets (the relay cannot upgrade) and prefer
// server-sent events before long-polling.
func (s *legacySession) connectTransport(
	ctx context.Context, negotiated *legacyNegotiateResponse,
) error {
	var order []string
	if s.relayed {
		order = []string{transportServerSentEvents, transportLongPolling}
	} else if negotiated.TryWebSockets {
		order = []string{transportWebSockets, transportServerSentEvents, transportLongPolling}
	} else {
		order = []string{transportServerSentEvents, transportLongPolling}
	}

	var lastErr error
	for _, name := range order {
		t, err := s.connectNamed(ctx, name)
		if err != nil {
			s.log.Warn("transport connect failed",
				log.String("transport", name), log.ErrorField(err))
			lastErr = err
			continue
		}
		s.mu.Lock()
		s.transport = t
		s.transportName = name
		s.mu.Unlock()
		s.log.Info("transport established", log.String("transport", name))
		return nil
	}
	return fmt.Errorf("all transports failed: %w", lastErr)
}

func (s *legacySession) connectNamed(ctx context.Context, name string) (transport, error) {
	query := s.transportQuery()
	query.Set("transport", name)
	switch name {
	case transportWebSockets:
		wsURL := fmt.Sprintf("%s/connect?%s",
			toWebsocketURL(s.sessionBase), query.Encode())
		return dialWebsocket(ctx, wsURL)
	case transportServerSentEvents:
		connectURL := fmt.Sprintf("%s/connect?%s", s.sessionBase, query.Encode())
		return connectSSE(ctx, connectURL, s.client)
	case transportLongPolling:
		return connectLongPolling(s.sessionBase, query, s.client)
	default:
		return nil, fmt.Errorf("unknown transport %s", name)
	}
}

func (s *legacySession) startRequest(ctx context.Context) error {
	query := s.transportQuery()
	query.Set("transport", s.transportName)
	startURL := fmt.Sprintf("%s/start?%s", s.sessionBase, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, startURL, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("start %s: %w", startURL, err)
	}
	defer resp.Body.Close()
	var ack legacyStartResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("start decode: %w", err)
	}
	if ack.Response != "started" {
		return fmt.Errorf("start: unexpected response %q", ack.Response)
	}
	return nil
}

// subscribe issues the hub invocation via the send endpoint. Advisory:
// some servers push without explicit subscription.
func (s *legacySession) subscribe(ctx context.Context) {
	inv := legacyHubInvocation{
		Hub:       s.hub,
		Method:    s.subscribeMethod,
		Arguments: []any{},
		//nolint:gosec // bounded by session lifetime
		InvocationID: int(s.invocID.Add(1)),
	}
	data, _ := json.Marshal(inv)
	query := s.transportQuery()
	query.Set("transport", s.transportName)
	sendURL := fmt.Sprintf("%s/send?%s", s.sessionBase, query.Encode())

	form := url.Values{"data": []string{string(data)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sendURL, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		s.setAdvisory(err)
		s.log.Warn("subscribe call failed or not required",
			log.String("method", s.subscribeMethod), log.ErrorField(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.setAdvisory(fmt.Errorf("subscribe rejected with status %d", resp.StatusCode))
		s.log.Warn("subscribe call rejected",
			log.String("method", s.subscribeMethod), log.Int("status", resp.StatusCode))
	}
}

func (s *legacySession) setAdvisory(err error) {
	s.mu.Lock()
	s.advisoryErr = err
	s.mu.Unlock()
}

// advisory returns the non-fatal subscribe failure, if any.
func (s *legacySession) advisory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advisoryErr
}

func (s *legacySession) readPump() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	for frame := range t.Frames() {
		s.handleFrame(frame)
	}
	s.connected.Store(false)
	if s.stopped.Load() {
		return
	}
	// no automatic reconnect in the legacy dialect
	s.onStatus(false)
	s.log.Warn("connection lost", log.ErrorField(t.Err()))
	s.onClosed(t.Err())
}

func (s *legacySession) handleFrame(frame []byte) {
	s.wireLog.Debug("frame received", log.String("data", string(frame)))
	var decoded legacyFrame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		s.log.Warn("dropping undecodable frame", log.ErrorField(err))
		return
	}
	for _, call := range decoded.Messages {
		if !strings.EqualFold(call.Hub, s.hub) || call.Method != s.eventTarget {
			continue
		}
		if len(call.Arguments) == 0 {
			continue
		}
		batch, err := decodeBatchArgument(call.Arguments[0])
		if err != nil {
			s.log.Warn("dropping malformed batch", log.ErrorField(err))
			continue
		}
		if len(batch) > 0 {
			s.emit(batch)
		}
	}
}

func (s *legacySession) active() bool { return s.connected.Load() }

// stop aborts the server-side connection and closes the transport,
// best effort.
func (s *legacySession) stop() {
	s.stopped.Store(true)
	s.connected.Store(false)

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if s.token != "" {
		query := s.transportQuery()
		query.Set("transport", s.transportName)
		abortURL := fmt.Sprintf("%s/abort?%s", s.sessionBase, query.Encode())
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, abortURL, http.NoBody); err == nil {
			if resp, err := s.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	if t != nil {
		//nolint:errcheck // best effort cleanup
		t.Close()
	}
}
