package lane

import (
	"maps"
	"sync"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

// LaneProcessor folds canonical timing events into per-lane state.
// Snapshot keeps the last relevant event per colour, ActiveColours keeps
// which lanes are currently shown. Both survive transparent reconnects and
// are only reset when a brand-new session starts. Events arrive on the feed
// goroutine while status surfaces read from HTTP handlers, so all access
// goes through the mutex.
type LaneProcessor struct {
	mu            sync.RWMutex
	Snapshot      model.LaneSnapshot
	ActiveColours map[string]bool
	log           *log.Logger
}

type Option func(proc *LaneProcessor)

func WithLogger(logger *log.Logger) Option {
	return func(proc *LaneProcessor) {
		proc.log = logger
	}
}

func NewLaneProcessor(opts ...Option) *LaneProcessor {
	ret := &LaneProcessor{
		Snapshot:      model.LaneSnapshot{},
		ActiveColours: map[string]bool{},
		log:           log.Default().Named("processing.lane"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// ProcessTimingEvent applies a single event. Show/Hide transitions are
// additionally recorded in updates, which is scoped to the current batch.
// Later events win over earlier ones for the same colour (last write wins).
func (p *LaneProcessor) ProcessTimingEvent(ev *model.TimingEvent, updates model.ColourUpdates) {
	if ev == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if colour, ok := ev.ShowColour(); ok {
		updates[colour] = true
		p.ActiveColours[colour] = true
		p.log.Debug("show event", log.String("colour", colour))
		if ev.Name != "" {
			// a Show announces presence, not a completed lap
			p.Snapshot[colour] = seedEntry(ev, colour)
		}
	} else if colour, ok := ev.HideColour(); ok {
		updates[colour] = false
		p.ActiveColours[colour] = false
		p.log.Debug("hide event", log.String("colour", colour))
	}

	if !ev.IsLap() {
		// gap filler only, never overwrites a known lane
		if colour := ev.GroupID; colour != "" && ev.Name != "" {
			if _, known := p.Snapshot[colour]; !known {
				p.Snapshot[colour] = seedEntry(ev, colour)
			}
		}
		return
	}

	if colour := ev.GroupID; colour != "" {
		// the authoritative last-lap record for this lane
		p.Snapshot[colour] = *ev
	}
}

// SnapshotCopy returns a detached copy of the current per-lane state.
func (p *LaneProcessor) SnapshotCopy() model.LaneSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.Snapshot)
}

// ActiveColoursCopy returns a detached copy of the accumulated active set.
func (p *LaneProcessor) ActiveColoursCopy() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.ActiveColours)
}

// Reset discards all lane state for a brand-new session.
func (p *LaneProcessor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Snapshot = model.LaneSnapshot{}
	p.ActiveColours = map[string]bool{}
}

func seedEntry(ev *model.TimingEvent, colour string) model.TimingEvent {
	entry := *ev
	entry.GroupID = colour
	entry.LapTime = nil
	return entry
}
