package feed

import (
	"context"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
	"github.com/ovalboard/lapboard-service-go/pkg/processing"
	"github.com/ovalboard/lapboard-service-go/pkg/signalr"
)

// callbacks fired by the feed loop. All of them run on the single consume
// goroutine, in arrival order.
type (
	SnapshotCallback     func(snapshot model.LaneSnapshot)
	StatusCallback       func(connected bool)
	ColourUpdateCallback func(updates model.ColourUpdates)
)

// Feed is a running live feed session: one Connection plus the processor
// folding its batches into lane state.
type Feed struct {
	conn      *signalr.Connection
	processor *processing.Processor
	log       *log.Logger

	onSnapshot     SnapshotCallback
	onStatus       StatusCallback
	onColourUpdate ColourUpdateCallback
}

type Option func(f *Feed)

func WithSnapshotCallback(cb SnapshotCallback) Option {
	return func(f *Feed) { f.onSnapshot = cb }
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(f *Feed) { f.onStatus = cb }
}

func WithColourUpdateCallback(cb ColourUpdateCallback) Option {
	return func(f *Feed) { f.onColourUpdate = cb }
}

func WithProcessor(processor *processing.Processor) Option {
	return func(f *Feed) { f.processor = processor }
}

func WithFeedLogger(logger *log.Logger) Option {
	return func(f *Feed) { f.log = logger }
}

// StartAuto connects to the timing feed with automatic dialect detection
// and starts delivering snapshots. The endpoint hint may be empty
// (default endpoint) and connOpts are passed through to the dialer.
// The returned Feed's Stop is the session disposer; errors returned here
// are fatal connection failures, a failed subscribe is advisory only
// (see Feed.AdvisoryErr).
func StartAuto(
	ctx context.Context,
	endpointHint string,
	opts []Option,
	connOpts ...signalr.Option,
) (*Feed, error) {
	f := &Feed{
		log: log.Default().Named("feed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.processor == nil {
		f.processor = processing.NewProcessor()
	}
	// a brand-new session starts from empty lane state
	f.processor.Reset()

	if f.onStatus != nil {
		f.onStatus(false)
	}
	conn, err := signalr.Dial(ctx, endpointHint, connOpts...)
	if err != nil {
		return nil, err
	}
	f.conn = conn

	go f.consume()
	return f, nil
}

// consume is the single mutation path of the lane state: batches and
// status changes are applied strictly in arrival order.
func (f *Feed) consume() {
	for {
		select {
		case batch := <-f.conn.Batches():
			result := f.processor.ProcessBatch(batch)
			if f.onColourUpdate != nil && result.HasColourUpdates {
				f.onColourUpdate(result.ColourUpdates)
			}
			if f.onSnapshot != nil {
				f.onSnapshot(result.Snapshot)
			}
		case connected := <-f.conn.Status():
			if f.onStatus != nil {
				f.onStatus(connected)
			}
		case <-f.conn.Done():
			if f.onStatus != nil {
				f.onStatus(false)
			}
			if err := f.conn.Err(); err != nil {
				f.log.Warn("feed terminated", log.ErrorField(err))
			}
			return
		}
	}
}

// Active reports point-in-time connectivity. Safe to poll.
func (f *Feed) Active() bool { return f.conn.Active() }

// AdvisoryErr reports a non-fatal subscription failure, if any.
func (f *Feed) AdvisoryErr() error { return f.conn.AdvisoryErr() }

// Dialect reports the negotiated protocol dialect.
func (f *Feed) Dialect() signalr.Dialect { return f.conn.Dialect() }

// Processor exposes the lane state for status surfaces.
func (f *Feed) Processor() *processing.Processor { return f.processor }

// Done is closed once the feed is terminally gone.
func (f *Feed) Done() <-chan struct{} { return f.conn.Done() }

// Err returns the terminal error after Done is closed, nil on explicit Stop.
func (f *Feed) Err() error { return f.conn.Err() }

// Stop tears the session down, best effort, safe in any state.
func (f *Feed) Stop() { f.conn.Stop() }

// ParseLapDigits derives the display digits from a lap time value.
func ParseLapDigits(lapTime any) model.LapDigits {
	return processing.ParseLapDigits(lapTime)
}
