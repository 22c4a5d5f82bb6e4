// Package basedata provides sample timing payloads shared by tests.
package basedata

import (
	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

func ShowWhite(name string) model.RawTimingPayload {
	return model.RawTimingPayload{
		EventType: model.ShowColour(model.ColourWhite),
		Name:      name,
	}
}

func HideWhite() model.RawTimingPayload {
	return model.RawTimingPayload{
		EventType: model.HideColour(model.ColourWhite),
	}
}

func ShowRed(name string) model.RawTimingPayload {
	return model.RawTimingPayload{
		EventType: model.ShowColour(model.ColourRed),
		Name:      name,
	}
}

func HideRed() model.RawTimingPayload {
	return model.RawTimingPayload{
		EventType: model.HideColour(model.ColourRed),
	}
}

// Lap is an authoritative lap completion for the given lane colour.
func Lap(colour, name string, lapCnt int, lapTime any, velocity any) model.RawTimingPayload {
	return model.RawTimingPayload{
		EventType: model.EventTypeLap,
		GroupID:   colour,
		Name:      name,
		LapCnt:    lapCnt,
		LapTime:   lapTime,
		Velocity:  velocity,
		Location:  "Finish",
	}
}

// Passing is a non-lap intermediate passing for the given lane colour.
func Passing(colour, name string, lapCnt int) model.RawTimingPayload {
	return model.RawTimingPayload{
		EventType: "Passing",
		GroupID:   colour,
		Name:      name,
		LapCnt:    lapCnt,
		Location:  "Backstretch",
	}
}

// SampleBatch is a representative wire batch: one lane shown, one lap
// completed, another lane passing an intermediate.
func SampleBatch() []model.RawTimingPayload {
	return []model.RawTimingPayload{
		ShowWhite("Skater A"),
		Lap(model.ColourWhite, "Skater A", 3, "1:42.53", 43.8),
		Passing(model.ColourRed, "Skater B", 2),
	}
}
