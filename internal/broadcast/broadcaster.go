// Package broadcast fans pipeline lifecycle events out to live observers.
// The hub is an explicit constructed component handed to collaborators, not a
// package-level global, so tests can run isolated pipelines side by side.
package broadcast

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonathanhollander/assetforge/internal/models"
)

// Subscription is one observer's handle. Events arrive on C in publish order;
// when the observer falls more than the buffer behind, the oldest undelivered
// events are dropped, never the publisher blocked.
type Subscription struct {
	ch      chan models.ProgressEvent
	dropped atomic.Uint64
}

// C is the receive side of the subscription. It is closed by Unsubscribe and
// by Shutdown.
func (s *Subscription) C() <-chan models.ProgressEvent { return s.ch }

// Dropped reports how many events were discarded because this subscriber was
// slow. Only advisory; read after the channel closes for an exact count.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcaster is the process-wide progress hub with an explicit lifecycle:
// Start, Publish/Subscribe/Unsubscribe, Shutdown.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	nextSeq uint64
	started bool
	closed  bool
}

// New builds a broadcaster whose subscribers each get a bounded buffer of the
// given size (minimum 1).
func New(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Start enables delivery. Publish before Start or after Shutdown is a no-op.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.started = true
	}
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan models.ProgressEvent, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes an observer and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish assigns the event its process-wide monotonic sequence number and
// delivers it to every subscriber without blocking. A full subscriber buffer
// sheds its oldest event to make room.
func (b *Broadcaster) Publish(ev models.ProgressEvent) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.closed {
		return
	}
	b.nextSeq++
	ev.Seq = b.nextSeq

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Buffer full: shed the oldest event. The receiver may race us for
		// it, in which case the retry below succeeds anyway.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Shutdown stops delivery and closes every subscriber channel.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	if b.started {
		log.Printf("[broadcast] shut down after %d events", b.nextSeq)
	}
}
