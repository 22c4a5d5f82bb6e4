package model

import "strings"

// raw payload as pushed by the timing server. Older server generations use
// GroupID, newer ones GroupId; both are kept here and resolved via Group().
// Velocity and LapTime arrive either numeric or preformatted.
type RawTimingPayload struct {
	EventType  string `json:"EventType"`
	GroupID    string `json:"GroupID"`
	GroupIDAlt string `json:"GroupId"`
	Name       string `json:"Name"`
	Velocity   any    `json:"Velocity"`
	LapCnt     int    `json:"LapCnt"`
	LapTime    any    `json:"LapTime"`
	SetLapCnt  int    `json:"SetLapCnt"`
	Location   string `json:"Location"`
	LapEndTime string `json:"LapEndTime"`
	Desc       string `json:"Desc"`
}

// Group resolves the lane colour regardless of which spelling the server used.
func (p *RawTimingPayload) Group() string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.GroupIDAlt
}

// canonical timing event used throughout the application.
// Field presence varies by EventType: Lap events carry the lap attributes,
// everything else only EventType, GroupId, Name and Desc.
type TimingEvent struct {
	EventType  string `json:"EventType"`
	GroupID    string `json:"GroupId,omitempty"`
	Name       string `json:"Name,omitempty"`
	Velocity   string `json:"Velocity,omitempty"`
	LapCnt     int    `json:"LapCnt,omitempty"`
	LapTime    any    `json:"LapTime,omitempty"`
	SetLapCnt  int    `json:"SetLapCnt,omitempty"`
	Location   string `json:"Location,omitempty"`
	LapEndTime string `json:"LapEndTime,omitempty"`
	Desc       string `json:"Desc,omitempty"`
}

const (
	EventTypeLap = "Lap"

	showPrefix = "Show"
	hidePrefix = "Hide"
)

// ShowColour builds the event type announcing a lane colour.
func ShowColour(colour string) string { return showPrefix + colour }

// HideColour builds the event type retiring a lane colour.
func HideColour(colour string) string { return hidePrefix + colour }

// ShowColour returns the colour suffix of a ShowXxx event.
func (e *TimingEvent) ShowColour() (string, bool) {
	if strings.HasPrefix(e.EventType, showPrefix) && e.EventType != showPrefix {
		return strings.TrimPrefix(e.EventType, showPrefix), true
	}
	return "", false
}

// HideColour returns the colour suffix of a HideXxx event.
func (e *TimingEvent) HideColour() (string, bool) {
	if strings.HasPrefix(e.EventType, hidePrefix) && e.EventType != hidePrefix {
		return strings.TrimPrefix(e.EventType, hidePrefix), true
	}
	return "", false
}

func (e *TimingEvent) IsLap() bool { return e.EventType == EventTypeLap }
