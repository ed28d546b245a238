package veyrun

import (
	"sync"
	"time"
)

// BadgePaymentSeen is the badge text shown while a fresh 402 exists for the
// active tab.
const BadgePaymentSeen = "402"

// EventCache owns the per-tab "a 402 was just seen here" state. At most one
// live event per tab; recording overwrites. Reads apply freshness: a stale
// event is indistinguishable from no event.
type EventCache struct {
	mu    sync.Mutex
	byTab map[int]*PaymentEvent
	ttl   time.Duration
	now   func() time.Time
}

// NewEventCache creates a cache with the given TTL.
func NewEventCache(ttl time.Duration) *EventCache {
	return &EventCache{
		byTab: make(map[int]*PaymentEvent),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Record overwrites the event for the tab. Later captures always supersede
// earlier ones; there is no merging.
func (c *EventCache) Record(tabID int, event *PaymentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTab[tabID] = event
}

// Get returns the live event for a tab, or nil. Stale entries are treated
// identically to absent ones and cleaned up on the way out.
func (c *EventCache) Get(tabID int) *PaymentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	event, ok := c.byTab[tabID]
	if !ok {
		return nil
	}
	if !c.isFresh(event) {
		delete(c.byTab, tabID)
		return nil
	}
	return event
}

// Evict drops the event for a closed tab.
func (c *EventCache) Evict(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byTab, tabID)
}

// Badge is a pure function of fresh-event presence for the tab. Callers
// recompute it whenever the active tab changes or a new event lands on the
// active tab.
func (c *EventCache) Badge(tabID int) string {
	if c.Get(tabID) != nil {
		return BadgePaymentSeen
	}
	return ""
}

func (c *EventCache) isFresh(event *PaymentEvent) bool {
	return c.now().Sub(event.CapturedAt) <= c.ttl
}
