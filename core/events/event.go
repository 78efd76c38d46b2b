package events

import (
	"log/slog"
	"sync"

	"tickpool/core/types"
)

// Event represents a structured state change emitted by the pool.
type Event interface {
	EventType() string
}

// Typed events also expose a flattened attribute form for logs and APIs.
type Typed interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. logs, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps emitted events in memory, bounded to the most recent Limit
// entries when Limit is positive.
type Recorder struct {
	Limit int

	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.Limit > 0 && len(r.events) > r.Limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.Limit:]...)
	}
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// LogEmitter writes every event to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{slog.String("type", evt.EventType())}
	if typed, ok := evt.(Typed); ok {
		if flat := typed.Event(); flat != nil {
			for key, value := range flat.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	logger.Info("pool event", attrs...)
}

// Fanout forwards events to every emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
