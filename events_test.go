package veyrun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventAt(tabID int, captured time.Time) *PaymentEvent {
	return &PaymentEvent{
		TabID:      tabID,
		URL:        "https://example.test/article",
		Method:     "GET",
		CapturedAt: captured,
		RequestID:  "req-1",
	}
}

func TestEventCacheFreshness(t *testing.T) {
	base := time.Now()
	cache := NewEventCache(EventTTL)

	cache.Record(1, eventAt(1, base))

	cache.now = func() time.Time { return base.Add(4*time.Minute + 59*time.Second) }
	require.NotNil(t, cache.Get(1), "4m59s after capture the event is still live")
	assert.Equal(t, BadgePaymentSeen, cache.Badge(1))

	cache.now = func() time.Time { return base.Add(5*time.Minute + 1*time.Second) }
	assert.Nil(t, cache.Get(1), "5m01s after capture the event is stale")
	assert.Empty(t, cache.Badge(1))
}

func TestEventCacheStaleEntryIsCleanedUp(t *testing.T) {
	base := time.Now()
	cache := NewEventCache(EventTTL)
	cache.Record(7, eventAt(7, base))

	cache.now = func() time.Time { return base.Add(EventTTL + time.Second) }
	assert.Nil(t, cache.Get(7))

	// A later fresh read still finds nothing: the stale entry was deleted,
	// not merely hidden.
	cache.now = func() time.Time { return base }
	assert.Nil(t, cache.Get(7))
}

func TestEventCacheOverwrite(t *testing.T) {
	cache := NewEventCache(EventTTL)
	cache.Record(1, eventAt(1, time.Now()))

	newer := eventAt(1, time.Now())
	newer.URL = "https://example.test/other"
	cache.Record(1, newer)

	got := cache.Get(1)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.test/other", got.URL)
}

func TestEventCacheEvictAndIsolation(t *testing.T) {
	cache := NewEventCache(EventTTL)
	cache.Record(1, eventAt(1, time.Now()))
	cache.Record(2, eventAt(2, time.Now()))

	cache.Evict(1)
	assert.Nil(t, cache.Get(1))
	assert.NotNil(t, cache.Get(2), "eviction is per tab")
}
