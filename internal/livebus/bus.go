// Package livebus distributes routed events to live-stream viewers.
//
// Broadcast semantics: one Publish delivers the event to every attached
// subscriber over its own bounded channel, so a viewer consuming an event
// never removes it from another viewer's stream. Backpressure policy is
// drop-oldest: when a subscriber's buffer is full the oldest queued event
// is evicted to make room, so a slow viewer sees the most recent window of
// the stream instead of stalling the publisher.
package livebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vigia-iot/vigia/internal/types"
)

var (
	ErrBusClosed          = errors.New("livebus: bus is closed")
	ErrSubscriberExists   = errors.New("livebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("livebus: subscriber not found")
)

// SubscriberStats tracks delivery metrics for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Subscriber is one attached live-stream viewer.
type Subscriber struct {
	id    string
	ch    chan types.LiveEvent
	stats SubscriberStats

	// Serializes evict+send so two publishers cannot interleave on the
	// same channel.
	mu sync.Mutex
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscriber is detached or the bus shuts down.
func (s *Subscriber) Events() <-chan types.LiveEvent {
	return s.ch
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Bus fans routed events out to all attached subscribers.
type Bus struct {
	buffer int
	onDrop func()

	mu             sync.RWMutex
	subscribers    map[string]*Subscriber
	totalPublished uint64
	closed         bool
}

// New creates a bus with the given per-subscriber buffer size. onDrop is
// invoked once per evicted event and may be nil.
func New(buffer int, onDrop func()) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		buffer:      buffer,
		onDrop:      onDrop,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe attaches a new viewer.
func (b *Bus) Subscribe(id string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &Subscriber{
		id: id,
		ch: make(chan types.LiveEvent, b.buffer),
	}
	b.subscribers[id] = sub
	return sub, nil
}

// Unsubscribe detaches a viewer and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	close(sub.ch)
	return nil
}

// Publish delivers the event to every attached subscriber. It never blocks:
// a full subscriber buffer loses its oldest event instead.
func (b *Bus) Publish(ev types.LiveEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		sub.mu.Lock()
		select {
		case sub.ch <- ev:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			// Evict the oldest queued event, then retry once.
			select {
			case <-sub.ch:
				atomic.AddUint64(&sub.stats.Dropped, 1)
				if b.onDrop != nil {
					b.onDrop()
				}
			default:
			}
			select {
			case sub.ch <- ev:
				atomic.AddUint64(&sub.stats.Sent, 1)
			default:
				atomic.AddUint64(&sub.stats.Dropped, 1)
				if b.onDrop != nil {
					b.onDrop()
				}
			}
		}
		sub.mu.Unlock()
	}
}

// Stats returns delivery statistics for a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}

	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// TotalPublished returns the number of events published since start.
func (b *Bus) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Subscribers returns the number of attached viewers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and detaches all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
