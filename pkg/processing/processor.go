package processing

import (
	"sort"

	"github.com/samber/lo"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
	"github.com/ovalboard/lapboard-service-go/pkg/processing/lane"
)

// Processor is the entry point for pushed timing batches: raw payloads are
// normalized and folded into the lane state by the laneProcessor.
type Processor struct {
	laneProcessor *lane.LaneProcessor
	log           *log.Logger
}

type ProcessorOption func(proc *Processor)

func WithLaneProcessor(laneProcessor *lane.LaneProcessor) ProcessorOption {
	return func(proc *Processor) {
		proc.laneProcessor = laneProcessor
	}
}

func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(proc *Processor) {
		proc.log = logger
	}
}

func NewProcessor(opts ...ProcessorOption) *Processor {
	ret := &Processor{
		log: log.Default().Named("processing"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if ret.laneProcessor == nil {
		ret.laneProcessor = lane.NewLaneProcessor(lane.WithLogger(ret.log))
	}
	return ret
}

// ProcessBatch folds one pushed batch into the lane state. Events are
// applied in arrival order. The returned colour updates contain only this
// batch's Show/Hide transitions; the accumulated set is available via
// ActiveColours.
func (p *Processor) ProcessBatch(batch []model.RawTimingPayload) model.BatchResult {
	updates := model.ColourUpdates{}
	for i := range batch {
		ev := NormalizeTimingData(&batch[i])
		p.laneProcessor.ProcessTimingEvent(ev, updates)
	}
	return model.BatchResult{
		Snapshot:         p.laneProcessor.SnapshotCopy(),
		ColourUpdates:    updates,
		HasColourUpdates: len(updates) > 0,
	}
}

// ActiveColours returns the accumulated active-colour set.
func (p *Processor) ActiveColours() map[string]bool {
	return p.laneProcessor.ActiveColoursCopy()
}

// ActiveColourList returns the currently shown lanes in stable order.
func (p *Processor) ActiveColourList() []string {
	active := lo.Keys(lo.PickByValues(p.laneProcessor.ActiveColoursCopy(),
		[]bool{true}))
	sort.Strings(active)
	return active
}

// Snapshot returns a detached copy of the current per-lane state.
func (p *Processor) Snapshot() model.LaneSnapshot {
	return p.laneProcessor.SnapshotCopy()
}

// Reset discards the lane state. Used when a brand-new session starts;
// transparent reconnects of the same session keep the state.
func (p *Processor) Reset() {
	p.laneProcessor.Reset()
}
