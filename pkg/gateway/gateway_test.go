//nolint:funlen // ok for tests
package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

const testTimeout = 5 * time.Second

func newGatewayServer(opts ...Option) (*Gateway, *httptest.Server) {
	g := NewGateway(opts...)
	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	return g, httptest.NewServer(mux)
}

func dialViewer(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestGateway_StatusEndpoint(t *testing.T) {
	g, server := newGatewayServer(WithStatusFunc(func() Status {
		return Status{
			Connected:     true,
			Dialect:       "legacy",
			ActiveColours: []string{model.ColourRed, model.ColourWhite},
		}
	}))
	defer server.Close()
	defer g.Close()

	resp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Connected)
	assert.Equal(t, "legacy", status.Dialect)
	assert.Equal(t, []string{model.ColourRed, model.ColourWhite}, status.ActiveColours)
}

func TestGateway_Healthz(t *testing.T) {
	g, server := newGatewayServer()
	defer server.Close()
	defer g.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestGateway_StatusEndpointMethodCheck(t *testing.T) {
	g, server := newGatewayServer()
	defer server.Close()
	defer g.Close()

	resp, err := http.Post(server.URL+"/api/status", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGateway_ViewerReceivesGreetingAndSnapshots(t *testing.T) {
	g, server := newGatewayServer(WithStatusFunc(func() Status {
		return Status{Connected: true, Dialect: "modern", ActiveColours: []string{}}
	}))
	defer server.Close()
	defer g.Close()

	viewer := dialViewer(t, server)
	defer viewer.Close()

	greeting := readEnvelope(t, viewer)
	assert.Equal(t, MessageStatus, greeting.Type)

	snapshot := model.LaneSnapshot{
		model.ColourWhite: {EventType: "Lap", GroupID: model.ColourWhite, LapCnt: 2},
	}
	g.PublishSnapshot(snapshot)

	env := readEnvelope(t, viewer)
	assert.Equal(t, MessageSnapshot, env.Type)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var received model.LaneSnapshot
	require.NoError(t, json.Unmarshal(data, &received))
	assert.Equal(t, 2, received[model.ColourWhite].LapCnt)
}

func TestGateway_LateViewerGetsLastSnapshot(t *testing.T) {
	g, server := newGatewayServer()
	defer server.Close()
	defer g.Close()

	g.PublishSnapshot(model.LaneSnapshot{
		model.ColourRed: {EventType: "Lap", GroupID: model.ColourRed, LapCnt: 7},
	})
	// allow the fan-out to store the snapshot
	time.Sleep(50 * time.Millisecond)

	viewer := dialViewer(t, server)
	defer viewer.Close()

	assert.Equal(t, MessageStatus, readEnvelope(t, viewer).Type)
	env := readEnvelope(t, viewer)
	assert.Equal(t, MessageSnapshot, env.Type)
}

func TestGateway_ColourUpdateAndStatusFanOut(t *testing.T) {
	g, server := newGatewayServer()
	defer server.Close()
	defer g.Close()

	viewer := dialViewer(t, server)
	defer viewer.Close()
	readEnvelope(t, viewer) // greeting

	g.PublishColourUpdate(model.ColourUpdates{model.ColourWhite: true})
	env := readEnvelope(t, viewer)
	assert.Equal(t, MessageColourUpdate, env.Type)

	g.PublishStatus(false)
	env = readEnvelope(t, viewer)
	assert.Equal(t, MessageStatus, env.Type)
}
