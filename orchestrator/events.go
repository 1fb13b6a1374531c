package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/harvest/observability"
)

// Event is a task lifecycle transition.
type Event = observability.TaskEvent

// Event kinds.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDead      = "dead"
	EventStalled   = "stalled"
)

// bus fans events out to subscribers. A slow subscriber misses events
// rather than blocking a worker.
type bus struct {
	logger *slog.Logger

	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBus(logger *slog.Logger) *bus {
	return &bus{logger: logger, subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("orchestrator: event dropped, subscriber full", "kind", e.Kind, "task_id", e.TaskID)
		}
	}
}

// Subscribe returns a channel of task events and its cancel function.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.bus.subscribe(buffer)
}

func (o *Orchestrator) emit(e Event) {
	if o.deps.Events != nil {
		o.deps.Events.Append(context.Background(), e)
	}
	o.bus.publish(e)
}
