// Package eventbus fans out notification lifecycle events to in-process
// listeners (metrics, logging, API long-polls). Publish never blocks; slow
// subscribers lose events.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NotificationCreated   = "notification.created"
	NotificationScheduled = "notification.scheduled"
	NotificationSent      = "notification.sent"
	NotificationFailed    = "notification.failed"
	NotificationExpired   = "notification.expired"
	DeliveryAttempted     = "delivery.attempted"
	BulkJobFinished       = "bulk.finished"
)

type Event struct {
	Type           string    `json:"type"`
	Time           time.Time `json:"time"`
	NotificationID string    `json:"notification_id,omitempty"`
	UserID         int64     `json:"user_id,omitempty"`
	Data           any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns events whose type starts with prefix ("" for all).
	Subscribe(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{prefix: prefix, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
