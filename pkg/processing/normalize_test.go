//nolint:funlen // ok for tests
package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

func TestNormalizeTimingData_Nil(t *testing.T) {
	assert.Nil(t, NormalizeTimingData(nil))
}

func TestNormalizeTimingData_Lap(t *testing.T) {
	raw := model.RawTimingPayload{
		EventType:  "Lap",
		GroupID:    "White",
		Name:       "Skater A",
		Velocity:   43.8,
		LapCnt:     3,
		LapTime:    "1:42.53",
		SetLapCnt:  5,
		Location:   "Finish",
		LapEndTime: "11:10:12",
	}
	ev := NormalizeTimingData(&raw)
	assert.Equal(t, "Lap", ev.EventType)
	assert.Equal(t, "White", ev.GroupID)
	assert.Equal(t, "Skater A", ev.Name)
	assert.Equal(t, "43.80", ev.Velocity)
	assert.Equal(t, 3, ev.LapCnt)
	assert.Equal(t, "1:42.53", ev.LapTime)
	assert.Equal(t, 5, ev.SetLapCnt)
	assert.Equal(t, "Finish", ev.Location)
	assert.Equal(t, "11:10:12", ev.LapEndTime)
	assert.Empty(t, ev.Desc)
}

func TestNormalizeTimingData_NonLap(t *testing.T) {
	// lap attributes on a non-lap event must not leak into the result
	raw := model.RawTimingPayload{
		EventType:  "ShowWhite",
		GroupIDAlt: "White",
		Name:       "Skater A",
		Desc:       "lane announced",
		LapCnt:     7,
		LapTime:    "1:42.53",
		Velocity:   43.8,
	}
	ev := NormalizeTimingData(&raw)
	assert.Equal(t, "ShowWhite", ev.EventType)
	assert.Equal(t, "White", ev.GroupID)
	assert.Equal(t, "Skater A", ev.Name)
	assert.Equal(t, "lane announced", ev.Desc)
	assert.Zero(t, ev.LapCnt)
	assert.Nil(t, ev.LapTime)
	assert.Empty(t, ev.Velocity)
}

func TestNormalizeTimingData_VelocityVariants(t *testing.T) {
	tests := []struct {
		name     string
		velocity any
		want     string
	}{
		{"float", 43.8, "43.80"},
		{"int", 44, "44.00"},
		{"preformatted", "43.80", "43.80"},
		{"absent", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := model.RawTimingPayload{EventType: "Lap", Velocity: tt.velocity}
			assert.Equal(t, tt.want, NormalizeTimingData(&raw).Velocity)
		})
	}
}
