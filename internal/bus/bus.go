package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

const DefaultBufSize = 64

// MessageBus fans events out to subscribers from a single dispatch
// goroutine. Publishing never blocks; events are dropped when the queue is
// full.
type MessageBus struct {
	Events chan Event

	mu      sync.RWMutex
	subs    map[Kind][]func(Event)
	dropped atomic.Uint64
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &MessageBus{
		Events: make(chan Event, bufSize),
		subs:   make(map[Kind][]func(Event)),
	}
}

func (b *MessageBus) Subscribe(kind Kind, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], fn)
}

// Publish enqueues ev and reports whether it was accepted.
func (b *MessageBus) Publish(ev Event) bool {
	select {
	case b.Events <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *MessageBus) PublishHUD(line HUDLine) bool {
	return b.Publish(Event{Kind: KindHUD, HUD: &line})
}

func (b *MessageBus) PublishTick(tick TickComplete) bool {
	return b.Publish(Event{Kind: KindTick, Tick: &tick})
}

func (b *MessageBus) PublishEscalation(esc EscalationSent) bool {
	return b.Publish(Event{Kind: KindEscalation, Escalation: &esc})
}

// Dropped counts events rejected because the queue was full.
func (b *MessageBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Dispatch delivers queued events until ctx is done.
func (b *MessageBus) Dispatch(ctx context.Context) {
	for {
		select {
		case ev := <-b.Events:
			b.deliver(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) deliver(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
