// Package event implements the Event Pipeline (spec.md §4.7): it wraps
// run-lifecycle events, filters them by an agent-configured skip-set,
// optionally appends them to the run record's Events sequence, yields
// them to streaming callers, and — as a domain-stack addition — publishes
// them on the configured EventBus for external subscribers.
package event

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/events/bus"
	"github.com/kandev/agentrun/internal/run/types"
)

// Sink receives events emitted by the pipeline. In buffered mode no Sink
// is installed; in streaming mode it forwards to the caller's channel.
type Sink func(types.Event)

// Pipeline is the Event Pipeline for a single run.
type Pipeline struct {
	RunID       string
	SkipSet     map[types.EventType]bool
	StoreEvents bool
	Bus         bus.EventBus // optional; nil disables bus publishing
	Sink        Sink         // optional; nil means buffered (no streaming forward)
	Logger      *logger.Logger

	// Granular, when false, suppresses forwarding to Sink for the
	// intermediate content events (RunContent/IntermediateRunContent);
	// every other lifecycle event is still forwarded. This realizes the
	// distinction between the "stream" and "stream_events" dispatcher
	// flags (spec.md §6): a caller can ask for the streamed execution path
	// without wanting every intermediate content event forwarded to it.
	Granular bool

	record *types.RunRecord
}

var intermediateEvents = map[types.EventType]bool{
	types.EventRunContent:             true,
	types.EventIntermediateRunContent: true,
}

// New creates a Pipeline bound to run, appending to run.Events when
// storeEvents is set.
func New(run *types.RunRecord, skipSet map[types.EventType]bool, storeEvents, granular bool, eventBus bus.EventBus, sink Sink, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		RunID:       run.RunID,
		SkipSet:     skipSet,
		StoreEvents: storeEvents,
		Granular:    granular,
		Bus:         eventBus,
		Sink:        sink,
		Logger:      log,
		record:      run,
	}
}

// Emit applies the skip-set, conditionally appends to the run record,
// best-effort publishes to the event bus, and yields to the sink. It
// never returns an error: event emission must be side-effect-minimal and
// must never fail the run (spec.md §4.7 "event pipeline purity").
func (p *Pipeline) Emit(ctx context.Context, ev types.Event) {
	if p.SkipSet != nil && p.SkipSet[ev.Type] {
		return
	}

	ev.RunID = p.RunID

	if p.StoreEvents {
		p.record.Events = append(p.record.Events, ev)
	}

	if p.Bus != nil {
		p.publish(ctx, ev)
	}

	if p.Sink != nil && (p.Granular || !intermediateEvents[ev.Type]) {
		p.Sink(ev)
	}
}

func (p *Pipeline) publish(ctx context.Context, ev types.Event) {
	data := map[string]any{
		"content": ev.Content,
	}
	for k, v := range ev.Data {
		data[k] = v
	}
	busEvent := bus.NewEvent(string(ev.Type), "agentrun.run", data)
	if err := p.Bus.Publish(ctx, bus.RunLifecycleSubject(p.RunID), busEvent); err != nil {
		p.Logger.Warn("event: best-effort bus publish failed",
			zap.String("run_id", p.RunID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
