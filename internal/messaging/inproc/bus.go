package inproc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"helios/internal/domain"
)

var ErrSubscriberQueueFull = errors.New("subscriber queue is full")

type subscription struct {
	sessionID string
	ch        chan domain.Event
}

// Bus fans session events out to subscribers. Delivery never blocks the
// publisher; a subscriber that falls behind loses events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]subscription
	buffer  int
	dropped atomic.Int64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]subscription),
		buffer: buffer,
	}
}

// Subscribe returns a subscription id and its channel. An empty sessionID
// receives events of every session.
func (b *Bus) Subscribe(sessionID string) (string, <-chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan domain.Event, b.buffer)
	b.subs[id] = subscription{sessionID: sessionID, ch: ch}
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

func (b *Bus) Publish(event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var full bool
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			full = true
			b.dropped.Add(1)
		}
	}
	if full {
		return ErrSubscriberQueueFull
	}
	return nil
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
