package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/logger"
)

// MemoryBus implements Bus as a synchronous, in-process publisher. It is
// the default event-bus backend and the one the task-graph engine, pool
// manager, worktree manager, and session controller are wired against.
//
// Reentrancy: a handler is free to call Publish again (e.g. the engine's
// task:complete handler re-emits task:ready for newly-eligible tasks).
// Rather than recursing — which could blow the stack under a long chain
// of handler-triggered publishes — MemoryBus queues re-entrant publishes
// and drains them after the outermost Publish's subscriber loop
// completes, preserving total FIFO order across the whole call tree.
type MemoryBus struct {
	mu            sync.Mutex
	subscriptions map[string][]*subscription
	queue         []queuedEvent
	draining      bool
	closed        bool
	logger        *logger.Logger
}

type queuedEvent struct {
	event   string
	payload interface{}
}

type subscription struct {
	bus     *MemoryBus
	event   string
	handler Handler
	active  bool
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	subs := s.bus.subscriptions[s.event]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// NewMemoryBus creates a new in-process synchronous event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		subscriptions: make(map[string][]*subscription),
		logger:        log.WithFields(zap.String("component", "event-bus")),
	}
}

// Subscribe registers handler to run, in registration order, whenever
// event is published.
func (b *MemoryBus) Subscribe(event string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{bus: b, event: event, handler: handler, active: true}
	b.subscriptions[event] = append(b.subscriptions[event], sub)
	return sub
}

// Publish delivers event to every current subscriber in registration
// order. If called while another Publish is already dispatching (from
// within one of its handlers, or from another goroutine), the event is
// queued and drained by that call instead of recursing, and this call
// returns at once.
func (b *MemoryBus) Publish(event string, payload interface{}) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	if b.draining {
		// Re-entrant publish: queue for the outer call to drain.
		b.queue = append(b.queue, queuedEvent{event: event, payload: payload})
		b.mu.Unlock()
		return
	}

	b.draining = true
	b.queue = append(b.queue, queuedEvent{event: event, payload: payload})
	b.mu.Unlock()

	b.drain()
}

func (b *MemoryBus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]*subscription, 0, len(b.subscriptions[next.event]))
		for _, s := range b.subscriptions[next.event] {
			if s.active {
				subs = append(subs, s)
			}
		}
		b.mu.Unlock()

		for _, sub := range subs {
			if err := sub.handler(next.event, next.payload); err != nil {
				b.logger.Error("event handler error",
					zap.String("event", next.event),
					zap.Error(err))
			}
		}
	}
}

// Close deactivates all subscriptions. Further Publish calls are no-ops.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*subscription)
	b.queue = nil
}
