package signalr

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

// DefaultHubURL is used when no endpoint is configured.
const DefaultHubURL = "http://localhost:5264/signalr"

// defaults of the venue timing feed
const (
	DefaultHubName         = "LiveLTTimingDataHub"
	DefaultEventTarget     = "SendLiveLapboardData"
	DefaultSubscribeMethod = "SubscribeLiveLapboardDataForLapboard"
)

const abortTimeout = 2 * time.Second

// State is the lifecycle state of a Connection.
type State int32

const (
	StateIdle State = iota
	StateDetecting
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// session is one dialect-specific push session.
type session interface {
	start(ctx context.Context) error
	stop()
	active() bool
	advisory() error
}

// Connection owns exactly one active push session to the timing server.
// Batches delivers raw payload batches in arrival order; Status delivers
// connectivity transitions. Starting a new Connection for the same board
// requires stopping the previous one first.
type Connection struct {
	endpoint        *Endpoint
	hub             string
	eventTarget     string
	subscribeMethod string
	relayURL        string
	direct          bool
	client          *http.Client
	log             *log.Logger
	wireLog         *log.Logger

	dialect  Dialect
	session  session
	state    atomic.Int32
	batches  chan []model.RawTimingPayload
	status   chan bool
	done     chan struct{}
	stopOnce sync.Once
	closeErr error
}

type Option func(conn *Connection)

func WithHTTPClient(client *http.Client) Option {
	return func(conn *Connection) { conn.client = client }
}

func WithHub(name string) Option {
	return func(conn *Connection) { conn.hub = name }
}

func WithEventTarget(target string) Option {
	return func(conn *Connection) { conn.eventTarget = target }
}

func WithSubscribeMethod(method string) Option {
	return func(conn *Connection) { conn.subscribeMethod = method }
}

// WithRelay routes legacy connections through the given relay base URL
// when the endpoint would otherwise be unreachable (insecure, cross-origin).
func WithRelay(relayURL string) Option {
	return func(conn *Connection) { conn.relayURL = relayURL }
}

// WithDirect forces a direct connection even if a relay is configured.
func WithDirect(direct bool) Option {
	return func(conn *Connection) { conn.direct = direct }
}

func WithLogger(logger *log.Logger) Option {
	return func(conn *Connection) {
		conn.log = logger
		conn.wireLog = logger.Named("wire")
	}
}

// Dial detects the dialect of the endpoint, establishes the push session
// and subscribes to the live feed. The returned Connection is in state
// Subscribed on success.
//
//nolint:funlen // connection establishment walks all fallbacks
func Dial(ctx context.Context, endpointHint string, opts ...Option) (*Connection, error) {
	if endpointHint == "" {
		endpointHint = DefaultHubURL
	}
	logger := log.Default().Named("signalr")
	conn := &Connection{
		hub:             DefaultHubName,
		eventTarget:     DefaultEventTarget,
		subscribeMethod: DefaultSubscribeMethod,
		client:          http.DefaultClient,
		log:             logger,
		wireLog:         logger.Named("wire"),
		batches:         make(chan []model.RawTimingPayload, frameBufferSize),
		status:          make(chan bool, 16),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(conn)
	}

	endpoint, err := ParseEndpoint(endpointHint)
	if err != nil {
		return nil, err
	}
	conn.endpoint = endpoint

	conn.state.Store(int32(StateDetecting))
	dialect := DetectDialect(endpoint)
	conn.log.Info("dialect selected",
		log.String("dialect", dialect.String()),
		log.String("endpoint", endpoint.URL()))

	if dialect == DialectModern {
		conn.state.Store(int32(StateConnecting))
		err := conn.startModern(ctx)
		if err == nil {
			conn.dialect = DialectModern
			conn.state.Store(int32(StateSubscribed))
			return conn, nil
		}
		if !IsLegacyServerError(err) {
			conn.fail()
			return nil, err
		}
		// exactly one dialect fallback, never a second modern attempt
		conn.log.Warn("legacy server detected, switching dialect",
			log.ErrorField(err))
		dialect = DialectLegacy
	}

	conn.state.Store(int32(StateConnecting))
	if err := conn.startLegacy(ctx, endpointHint); err != nil {
		conn.fail()
		return nil, err
	}
	conn.dialect = DialectLegacy
	conn.state.Store(int32(StateSubscribed))
	return conn, nil
}

func (c *Connection) startModern(ctx context.Context) error {
	s := &modernSession{
		endpoint:        c.endpoint,
		client:          c.client,
		eventTarget:     c.eventTarget,
		subscribeMethod: c.subscribeMethod,
		log:             c.log,
		wireLog:         c.wireLog,
		emit:            c.emit,
		onStatus:        c.pushStatus,
		onClosed:        c.sessionClosed,
	}
	if err := s.start(ctx); err != nil {
		s.stop()
		return err
	}
	c.session = s
	return nil
}

func (c *Connection) startLegacy(ctx context.Context, endpointHint string) error {
	relayed := c.useRelay()
	baseURL := NormalizeLegacyURL(endpointHint)
	if relayed {
		baseURL = strings.TrimRight(c.relayURL, "/")
	}
	c.log.Info("legacy connection config",
		log.Bool("relayed", relayed),
		log.String("baseUrl", baseURL),
		log.Bool("directMode", c.direct))

	err := c.startLegacySession(ctx, baseURL, relayed)
	if err == nil {
		return nil
	}
	// a secure attempt against an insecure-only path gets one retry over http
	if strings.HasPrefix(baseURL, "https:") {
		httpURL := "http:" + strings.TrimPrefix(baseURL, "https:")
		c.log.Warn("retrying over http after scheme mismatch",
			log.String("baseUrl", httpURL),
			log.ErrorField(err))
		if retryErr := c.startLegacySession(ctx, httpURL, relayed); retryErr != nil {
			return fmt.Errorf("%w: %w", ErrSchemeMismatch, retryErr)
		}
		return nil
	}
	return err
}

func (c *Connection) startLegacySession(ctx context.Context, baseURL string, relayed bool) error {
	s := &legacySession{
		baseURL:         baseURL,
		hub:             c.hub,
		eventTarget:     c.eventTarget,
		subscribeMethod: c.subscribeMethod,
		relayed:         relayed,
		client:          c.client,
		log:             c.log,
		wireLog:         c.wireLog,
		emit:            c.emit,
		onStatus:        c.pushStatus,
		onClosed:        c.sessionClosed,
	}
	if err := s.start(ctx); err != nil {
		s.stop()
		return err
	}
	c.session = s
	return nil
}

// useRelay decides whether a legacy connection is routed through the relay:
// only when a relay is configured, the endpoint is plain http on a
// different origin, and no override requests a direct connection.
func (c *Connection) useRelay() bool {
	if c.relayURL == "" || c.direct {
		return false
	}
	if !c.endpoint.Insecure() {
		return false
	}
	relayEndpoint, err := ParseEndpoint(c.relayURL)
	if err != nil {
		return false
	}
	return relayEndpoint.Origin() != c.endpoint.Origin()
}

// Batches delivers raw payload batches in arrival order. The channel is
// never closed; watch Done for termination.
func (c *Connection) Batches() <-chan []model.RawTimingPayload { return c.batches }

// Status delivers connectivity transitions (true on connect/reconnect,
// false on disconnect).
func (c *Connection) Status() <-chan bool { return c.status }

// Done is closed when the connection is terminally gone, either by Stop or
// after all recovery options are exhausted.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed, nil on explicit Stop.
func (c *Connection) Err() error { return c.closeErr }

func (c *Connection) Dialect() Dialect { return c.dialect }

// AdvisoryErr reports a non-fatal subscription failure. The connection is
// alive; some servers push without explicit subscription.
func (c *Connection) AdvisoryErr() error {
	if c.session == nil {
		return nil
	}
	return c.session.advisory()
}

func (c *Connection) State() State { return State(c.state.Load()) }

// Active reports whether the transport currently reports connected.
// Idempotent and side-effect free, safe to poll.
func (c *Connection) Active() bool {
	if c.State() == StateStopped || c.session == nil {
		return false
	}
	return c.session.active()
}

// Stop tears the connection down. Safe to call in any state, including
// mid-attempt, and never returns an error (best effort cleanup).
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopped))
		c.pushStatus(false)
		if c.session != nil {
			c.session.stop()
		}
		close(c.done)
	})
}

func (c *Connection) fail() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopped))
		close(c.done)
	})
}

func (c *Connection) emit(batch []model.RawTimingPayload) {
	select {
	case c.batches <- batch:
	case <-c.done:
	default:
		c.log.Warn("batch channel full, dropping batch",
			log.Int("size", len(batch)))
	}
}

func (c *Connection) pushStatus(connected bool) {
	if connected {
		c.state.CompareAndSwap(int32(StateReconnecting), int32(StateSubscribed))
	} else if c.State() == StateSubscribed {
		c.state.CompareAndSwap(int32(StateSubscribed), int32(StateReconnecting))
	}
	select {
	case c.status <- connected:
	default:
		// a stalled consumer must not block the read pump
	}
}

func (c *Connection) sessionClosed(err error) {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopped))
		c.closeErr = err
		close(c.done)
	})
}
