package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Publish never blocks and drops events for subscribers whose buffer is full.
// Deliver waits for buffer space on lossless subscriptions, such as the sync
// engine's, and otherwise behaves like Publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	lossless  bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	evt = stamp(evt)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Deliver sends an event to every matching subscriber. Lossless
// subscribers are waited on for buffer space; the others drop the event when
// full, as with Publish. It returns ctx.Err() if ctx ends first; in that case
// some subscribers may already have received the event.
func (b *Bus) Deliver(ctx context.Context, evt Event) error {
	evt = stamp(evt)
	b.mu.RLock()
	var waitOn []chan Event
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.lossless {
			waitOn = append(waitOn, sub.ch)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()

	for _, ch := range waitOn {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, false)
}

// SubscribeLossless is Subscribe for a consumer that must see every
// delivered event. Deliver blocks on it, so the consumer has to keep reading.
func (b *Bus) SubscribeLossless(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, true)
}

func (b *Bus) subscribe(namespace string, bufSize int, lossless bool) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch, lossless: lossless}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func stamp(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return evt
}
