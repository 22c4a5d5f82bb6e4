package processing

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

// NormalizeTimingData converts a raw server payload into the canonical event
// shape. It is pure and total: a nil input yields nil, missing attributes
// stay at their zero value.
func NormalizeTimingData(raw *model.RawTimingPayload) *model.TimingEvent {
	if raw == nil {
		return nil
	}
	if raw.EventType == model.EventTypeLap {
		return &model.TimingEvent{
			EventType:  raw.EventType,
			GroupID:    raw.Group(),
			Name:       raw.Name,
			Velocity:   formatVelocity(raw.Velocity),
			LapCnt:     raw.LapCnt,
			LapTime:    raw.LapTime,
			SetLapCnt:  raw.SetLapCnt,
			Location:   raw.Location,
			LapEndTime: raw.LapEndTime,
		}
	}
	return &model.TimingEvent{
		EventType: raw.EventType,
		GroupID:   raw.Group(),
		Name:      raw.Name,
		Desc:      raw.Desc,
	}
}

// numeric velocities are displayed with exactly two decimals,
// anything else is passed through unchanged
func formatVelocity(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', 2, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 2, 64)
	case int:
		return strconv.FormatFloat(float64(val), 'f', 2, 64)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', 2, 64)
		}
		return val.String()
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
