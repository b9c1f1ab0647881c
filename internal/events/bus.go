// Package events provides the publish/subscribe fan-out for stream
// change notifications. Events flow from the registry and supervisors
// to subscribers (the WebSocket hub, tests). The bus is nil-safe:
// Publish on a nil *Bus is a no-op, so optional wiring needs no guards.
package events

import (
	"sync"

	"github.com/streamops/lookout/internal/models"
)

// DefaultBuffer is the per-subscriber queue depth used when Subscribe
// is called with a non-positive size.
const DefaultBuffer = 64

// Bus is a non-blocking broadcast bus. Every subscriber owns a bounded
// queue; when a slow subscriber's queue is full the oldest pending
// event is evicted so the newest is never lost and publishers never
// block on probing-path goroutines.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan models.Event]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan models.Event]chan models.Event
}

func New() *Bus {
	return &Bus{
		subs:       make(map[chan models.Event]struct{}),
		recvToSend: make(map[<-chan models.Event]chan models.Event),
	}
}

// Publish delivers e to every subscriber. When a queue is full the
// oldest queued event is dropped to make room. Safe on nil.
func (b *Bus) Publish(e models.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Full: evict the oldest entry, then retry once. A concurrent
		// reader may win either race; both outcomes keep the queue
		// bounded and lossy at the old end.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel.
// The caller must Unsubscribe eventually or the bus leaks the queue.
func (b *Bus) Subscribe(buf int) <-chan models.Event {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan models.Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
