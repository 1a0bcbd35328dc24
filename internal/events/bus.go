// Package events carries typed configuration-change notifications between the
// connection registry and its consumers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers use buffered channels; slow subscribers may drop events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"blast/internal/model"
)

// ConfigUpdated announces that a connection's webhook/agent configuration
// changed.
type ConfigUpdated struct {
	ConnectionID string
	Webhook      model.WebhookConfig
	Agent        *model.AgentConfig
	Time         time.Time
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan ConfigUpdated
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan ConfigUpdated{}}
}

func (b *Bus) Publish(e ConfigUpdated) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the lock while sending.
	b.mu.RLock()
	chs := make([]chan ConfigUpdated, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- e:
		default: // slow subscriber, drop
		}
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan ConfigUpdated, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan ConfigUpdated, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
