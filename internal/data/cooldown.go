package data

import (
	"sync"
	"time"
)

type cooldownKey struct {
	accountID string
	chatID    string
}

// CooldownRepo tracks the last direct reply per chat in memory
type CooldownRepo struct {
	mu     sync.RWMutex
	window time.Duration
	last   map[cooldownKey]time.Time
}

// NewCooldownRepo creates a cooldown tracker with the given window
func NewCooldownRepo(window time.Duration) *CooldownRepo {
	return &CooldownRepo{
		window: window,
		last:   make(map[cooldownKey]time.Time),
	}
}

// Active reports whether a reply was recorded within the window
func (r *CooldownRepo) Active(accountID, chatID string, now time.Time) bool {
	r.mu.RLock()
	at, ok := r.last[cooldownKey{accountID, chatID}]
	r.mu.RUnlock()
	return ok && now.Sub(at) < r.window
}

// Touch records a reply and drops expired entries
func (r *CooldownRepo) Touch(accountID, chatID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.last {
		if at.Sub(t) >= r.window {
			delete(r.last, k)
		}
	}
	r.last[cooldownKey{accountID, chatID}] = at
}
