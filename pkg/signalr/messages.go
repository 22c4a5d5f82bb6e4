package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

// wire shapes for both protocol generations

// recordSeparator terminates every frame of the modern json hub protocol.
const recordSeparator byte = 0x1e

// modern message types
const (
	msgTypeInvocation = 1
	msgTypeCompletion = 3
	msgTypePing       = 6
	msgTypeClose      = 7
)

// negotiate response of the modern dialect
type modernNegotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	ConnectionToken     string `json:"connectionToken"`
	NegotiateVersion    int    `json:"negotiateVersion"`
	AvailableTransports []struct {
		Transport       string   `json:"transport"`
		TransferFormats []string `json:"transferFormats"`
	} `json:"availableTransports"`
	// legacy servers answer the modern negotiate with their own shape;
	// a non-empty ProtocolVersion is the dialect-mismatch signal
	ProtocolVersion string `json:"ProtocolVersion"`
}

type modernHandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type modernHandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// modernMessage covers all inbound envelope variants of the json hub protocol.
type modernMessage struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type modernInvocation struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

// negotiate response of the legacy dialect
type legacyNegotiateResponse struct {
	URL                     string  `json:"Url"`
	ConnectionToken         string  `json:"ConnectionToken"`
	ConnectionID            string  `json:"ConnectionId"`
	KeepAliveTimeout        float64 `json:"KeepAliveTimeout"`
	DisconnectTimeout       float64 `json:"DisconnectTimeout"`
	ConnectionTimeout       float64 `json:"ConnectionTimeout"`
	TryWebSockets           bool    `json:"TryWebSockets"`
	ProtocolVersion         string  `json:"ProtocolVersion"`
	TransportConnectTimeout float64 `json:"TransportConnectTimeout"`
}

// legacyFrame is the persistent-connection frame of the legacy dialect.
type legacyFrame struct {
	MessageID   string          `json:"C,omitempty"`
	Messages    []legacyHubCall `json:"M,omitempty"`
	Init        int             `json:"S,omitempty"`
	GroupsToken string          `json:"G,omitempty"`
	Error       string          `json:"E,omitempty"`
}

// legacyHubCall is a server-to-client hub invocation.
type legacyHubCall struct {
	Hub       string            `json:"H"`
	Method    string            `json:"M"`
	Arguments []json.RawMessage `json:"A"`
}

// legacyHubInvocation is a client-to-server hub invocation.
type legacyHubInvocation struct {
	Hub          string `json:"H"`
	Method       string `json:"M"`
	Arguments    []any  `json:"A"`
	InvocationID int    `json:"I"`
}

// legacy start/abort acknowledgement
type legacyStartResponse struct {
	Response string `json:"Response"`
}

// decodeBatchArgument extracts a pushed timing batch from one invocation
// argument. The server sends an array of raw payloads; a single object is
// tolerated as a one-element batch.
func decodeBatchArgument(arg json.RawMessage) ([]model.RawTimingPayload, error) {
	trimmed := bytes.TrimSpace(arg)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var batch []model.RawTimingPayload
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("decoding batch: %w", err)
		}
		return batch, nil
	}
	var single model.RawTimingPayload
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return []model.RawTimingPayload{single}, nil
}

// splitFrames splits a modern transport read into 0x1e-delimited frames.
func splitFrames(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	frames := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			frames = append(frames, p)
		}
	}
	return frames
}
