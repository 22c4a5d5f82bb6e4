package model

// lane colours used by the venue timing server
const (
	ColourWhite  = "White"
	ColourRed    = "Red"
	ColourYellow = "Yellow"
	ColourBlue   = "Blue"
)

// LaneSnapshot holds the most recent relevant event per lane colour.
type LaneSnapshot map[string]TimingEvent

// ColourUpdates contains the Show/Hide transitions of a single batch.
type ColourUpdates map[string]bool

// BatchResult is the outcome of folding one pushed batch into the lane state.
// ColourUpdates is scoped to this batch only; the accumulated active set is
// owned by the processor.
type BatchResult struct {
	Snapshot         LaneSnapshot  `json:"snapshot"`
	ColourUpdates    ColourUpdates `json:"colourUpdates,omitempty"`
	HasColourUpdates bool          `json:"hasColourUpdates"`
}

// LapDigits are the two display digits derived from a lap time.
// Nil digits mean "nothing to display".
type LapDigits struct {
	SecondsDigit *int `json:"secondsDigit"`
	TenthsDigit  *int `json:"tenthsDigit"`
}
