package broadcast

import (
	"sync"
	"time"
)

// CooldownBreaker suspends dispatch for connections the provider has
// rate-limited. Entries are in-memory only and expire lazily; a process
// restart clears all cooldowns and re-learns them from new signals.
type CooldownBreaker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewCooldownBreaker() *CooldownBreaker {
	return &CooldownBreaker{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Set puts a connection into cooldown, overwriting any existing window.
func (b *CooldownBreaker) Set(connectionID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[connectionID] = b.now().Add(d)
}

// Get returns the remaining cooldown, or false if the connection is not
// cooling down. Expired entries are evicted on read.
func (b *CooldownBreaker) Get(connectionID string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.entries[connectionID]
	if !ok {
		return 0, false
	}
	remaining := expiry.Sub(b.now())
	if remaining <= 0 {
		delete(b.entries, connectionID)
		return 0, false
	}
	return remaining, true
}
