package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
	"github.com/ovalboard/lapboard-service-go/pkg/utils/broadcast"
)

// message types pushed to board viewers
type MessageType string

const (
	MessageSnapshot     MessageType = "snapshot"
	MessageColourUpdate MessageType = "colourUpdate"
	MessageStatus       MessageType = "status"
)

// Envelope is the wire format towards board viewers.
type Envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// Status is the answer of the status endpoint.
type Status struct {
	Connected     bool     `json:"connected"`
	Dialect       string   `json:"dialect"`
	ActiveColours []string `json:"activeColours"`
}

// StatusFunc provides the current upstream state for the status endpoint
// and for the greeting sent to fresh viewer connections.
type StatusFunc func() Status

const sourceBuffer = 64

// Gateway fans lane snapshots out to any number of board viewers over
// websockets. Viewers are pure consumers, inbound frames are discarded.
type Gateway struct {
	log      *log.Logger
	upgrader websocket.Upgrader
	source   chan Envelope
	bcst     broadcast.BroadcastServer[Envelope]
	statusFn StatusFunc
	natsPub  *NatsPublisher

	mu           sync.RWMutex
	lastSnapshot model.LaneSnapshot
}

type Option func(g *Gateway)

func WithStatusFunc(fn StatusFunc) Option {
	return func(g *Gateway) { g.statusFn = fn }
}

// WithNatsPublisher republishes every envelope on a messaging subject in
// addition to the websocket fan-out.
func WithNatsPublisher(pub *NatsPublisher) Option {
	return func(g *Gateway) { g.natsPub = pub }
}

func WithGatewayLogger(logger *log.Logger) Option {
	return func(g *Gateway) { g.log = logger }
}

func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		log:    log.Default().Named("gateway"),
		source: make(chan Envelope, sourceBuffer),
		upgrader: websocket.Upgrader{
			// viewers may come from any origin, the feed is public
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		statusFn: func() Status { return Status{ActiveColours: []string{}} },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.bcst = broadcast.NewBroadcastServer("gateway", (<-chan Envelope)(g.source))
	return g
}

// RegisterRoutes mounts the viewer endpoints on the given mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.handleWebsocket)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/healthz", handleHealthz)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // best effort health answer
	w.Write([]byte(`{"status":"ok"}`))
}

// PublishSnapshot pushes a new lane snapshot to all viewers.
func (g *Gateway) PublishSnapshot(snapshot model.LaneSnapshot) {
	g.mu.Lock()
	g.lastSnapshot = snapshot
	g.mu.Unlock()
	g.publish(Envelope{Type: MessageSnapshot, Data: snapshot})
}

// PublishColourUpdate pushes the per-batch colour activation changes.
func (g *Gateway) PublishColourUpdate(updates model.ColourUpdates) {
	g.publish(Envelope{Type: MessageColourUpdate, Data: updates})
}

// PublishStatus pushes an upstream connectivity transition.
func (g *Gateway) PublishStatus(connected bool) {
	g.publish(Envelope{Type: MessageStatus, Data: map[string]bool{"connected": connected}})
}

func (g *Gateway) publish(env Envelope) {
	if g.natsPub != nil {
		g.natsPub.Publish(env)
	}
	select {
	case g.source <- env:
	default:
		g.log.Warn("viewer fan-out congested, dropping message",
			log.String("type", string(env.Type)))
	}
}

// Close stops the fan-out and disconnects all viewers.
func (g *Gateway) Close() {
	g.bcst.Close()
}

func (g *Gateway) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // best effort status answer
	json.NewEncoder(w).Encode(g.statusFn())
}

func (g *Gateway) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", log.ErrorField(err))
		return
	}
	viewerID := uuid.New().String()
	g.log.Info("viewer connected",
		log.String("viewer", viewerID), log.String("remote", req.RemoteAddr))

	sub := g.bcst.Subscribe()
	go g.writePump(conn, viewerID, sub)
	go g.readPump(conn, viewerID, sub)
}

// writePump greets the viewer with the current state, then streams the
// broadcast subscription until it is cancelled.
func (g *Gateway) writePump(conn *websocket.Conn, viewerID string, sub <-chan Envelope) {
	status := g.statusFn()
	if err := conn.WriteJSON(Envelope{Type: MessageStatus, Data: status}); err != nil {
		g.dropViewer(conn, viewerID, sub)
		return
	}
	g.mu.RLock()
	snapshot := g.lastSnapshot
	g.mu.RUnlock()
	if snapshot != nil {
		if err := conn.WriteJSON(Envelope{Type: MessageSnapshot, Data: snapshot}); err != nil {
			g.dropViewer(conn, viewerID, sub)
			return
		}
	}
	for env := range sub {
		if err := conn.WriteJSON(env); err != nil {
			g.log.Debug("viewer write failed",
				log.String("viewer", viewerID), log.ErrorField(err))
			g.dropViewer(conn, viewerID, sub)
			return
		}
	}
	//nolint:errcheck // subscription gone, connection follows
	conn.Close()
}

// readPump drains inbound frames; the first read error ends the viewer.
func (g *Gateway) readPump(conn *websocket.Conn, viewerID string, sub <-chan Envelope) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			g.log.Info("viewer disconnected", log.String("viewer", viewerID))
			g.dropViewer(conn, viewerID, sub)
			return
		}
	}
}

func (g *Gateway) dropViewer(conn *websocket.Conn, viewerID string, sub <-chan Envelope) {
	g.bcst.CancelSubscription(sub)
	//nolint:errcheck // best effort cleanup
	conn.Close()
	g.log.Debug("viewer removed", log.String("viewer", viewerID))
}
