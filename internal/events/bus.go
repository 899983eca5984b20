package events

import (
	"sync"

	"github.com/arranger-ai/arranger/internal/logging"
)

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block on I/O.
type Handler func(Event)

type subscription struct {
	id     uint64
	topics map[Topic]bool // nil means all topics
	fn     Handler
}

// Bus is the in-process typed pub/sub. Publication is synchronous:
// subscribers run in registration order on the caller's goroutine, and a
// panicking subscriber is isolated from its siblings. Handlers may publish
// further events; those are delivered depth-first.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *logging.Logger
}

// NewBus creates an event bus.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{logger: logger.WithComponent("events")}
}

// Subscribe registers a handler for the given topics (all topics when none
// are given) and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Handler, topics ...Topic) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, fn: fn}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every matching subscriber, in registration
// order. It returns after all handlers ran.
func (b *Bus) Publish(evt Event) {
	if evt == nil {
		return
	}
	topic := evt.EventTopic()

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topics == nil || sub.topics[topic] {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, evt, topic)
	}
}

func (b *Bus) deliver(sub subscription, evt Event, topic Topic) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"topic", string(topic),
				"subscriber", sub.id,
				"panic", r)
		}
	}()
	sub.fn(evt)
}

// SubscriberCount reports the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
