// Package broadcast fans battle events out to connected viewers.
//
// Delivery is best-effort and at-most-once: a viewer that misses an event is
// expected to re-fetch the battle view rather than ask for a replay.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrSinkFull is returned by a sink that cannot take the event right now.
	// The event is dropped for that sink; the subscription stays.
	ErrSinkFull = errors.New("broadcast: sink buffer full")
	// ErrSinkClosed is returned by a sink that is gone. It is unsubscribed.
	ErrSinkClosed = errors.New("broadcast: sink closed")
)

// Sink receives events for one subscriber. Deliver must not block.
type Sink interface {
	Deliver(Event) error
}

// Publisher is the write side the battle engine depends on.
type Publisher interface {
	Publish(Event) bool
}

// Snapshot is a point-in-time copy of the broadcaster counters.
type Snapshot struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Removed     uint64
	Subscribers int64
}

// Broadcaster keeps the subscriber registry and runs the fan-out loop.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Sink
	nextID atomic.Uint64
	queue  chan Event
	log    *slog.Logger

	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	removed     atomic.Uint64
	subscribers atomic.Int64
}

// New creates a broadcaster whose publish queue holds queueSize events.
func New(log *slog.Logger, queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broadcaster{
		subs:  make(map[string]map[uint64]Sink),
		queue: make(chan Event, queueSize),
		log:   log,
	}
}

// Subscribe registers sink on a topic (a battle id or FeedTopic) and returns
// the id needed to unsubscribe.
func (b *Broadcaster) Subscribe(topic string, sink Sink) uint64 {
	id := b.nextID.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Sink)
	}
	b.subs[topic][id] = sink
	b.subscribers.Add(1)
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(topic, id)
}

func (b *Broadcaster) removeLocked(topic string, id uint64) bool {
	set, ok := b.subs[topic]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.subs, topic)
	}
	b.subscribers.Add(-1)
	return true
}

// Subscribers counts the subscriptions on a topic.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish enqueues an event without blocking. It returns false, and counts a
// drop, when the queue is full.
func (b *Broadcaster) Publish(e Event) bool {
	select {
	case b.queue <- e:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.log.Warn("broadcast queue full, dropping event", "type", e.Kind(), "battle_id", e.Topic())
		return false
	}
}

// Run drains the publish queue until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.Dispatch(e)
		}
	}
}

// Dispatch delivers one event to the battle's subscribers and, when the
// event is feed-visible, to the feed, synchronously. Sinks that report ErrSinkFull miss this event; any other
// error unsubscribes the sink.
func (b *Broadcaster) Dispatch(e Event) {
	type target struct {
		topic string
		id    uint64
		sink  Sink
	}

	topics := []string{e.Topic()}
	if e.OnFeed() {
		topics = append(topics, FeedTopic)
	}

	b.mu.RLock()
	var targets []target
	for _, topic := range topics {
		for id, s := range b.subs[topic] {
			targets = append(targets, target{topic, id, s})
		}
	}
	b.mu.RUnlock()

	var dead []target
	for _, t := range targets {
		err := t.sink.Deliver(e)
		switch {
		case err == nil:
			b.delivered.Add(1)
		case errors.Is(err, ErrSinkFull):
			b.dropped.Add(1)
		default:
			dead = append(dead, t)
		}
	}

	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, t := range dead {
		if b.removeLocked(t.topic, t.id) {
			b.removed.Add(1)
		}
	}
	b.mu.Unlock()
	b.log.Debug("removed dead subscribers", "count", len(dead), "battle_id", e.Topic())
}

// Stats returns the current counters.
func (b *Broadcaster) Stats() Snapshot {
	return Snapshot{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Removed:     b.removed.Load(),
		Subscribers: b.subscribers.Load(),
	}
}

// ChanSink buffers events on a channel; a full buffer drops the event.
type ChanSink struct {
	C chan Event
}

// NewChanSink returns a sink buffering up to size events.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan Event, size)}
}

// Deliver enqueues e, or returns ErrSinkFull without blocking.
func (s *ChanSink) Deliver(e Event) error {
	select {
	case s.C <- e:
		return nil
	default:
		return ErrSinkFull
	}
}
