package veyrun

import (
	"sync"
	"time"
)

// CooldownLedger rate-limits payment attempts per resource URL. It lives
// for the process lifetime only and is never persisted.
type CooldownLedger struct {
	mu          sync.Mutex
	lastAttempt map[string]time.Time
	now         func() time.Time
}

// NewCooldownLedger creates an empty ledger.
func NewCooldownLedger() *CooldownLedger {
	return &CooldownLedger{
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// TryAcquire reports whether an attempt for key may proceed. The check and
// the timestamp write happen under one lock so no two concurrent attempts
// for the same key can both pass the guard. A rejected attempt does not
// advance the stored timestamp; only attempts that proceed do.
func (l *CooldownLedger) TryAcquire(key string, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastAttempt[key]; ok && now.Sub(last) < window {
		return false
	}
	l.lastAttempt[key] = now
	return true
}
