package pipeline

import (
	"time"
)

// dedupeCache suppresses duplicate transaction ids within a TTL. A
// reconnect can redeliver messages fetched but not yet committed, so the
// pipeline would otherwise double-publish alerts for them. Accessed only
// from the single-flight consume loop.
type dedupeCache struct {
	items map[string]time.Time
	ttl   time.Duration
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{items: make(map[string]time.Time), ttl: ttl}
}

func (d *dedupeCache) Seen(key string, now time.Time) bool {
	if d.ttl <= 0 || key == "" {
		return false
	}
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= d.ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now)
	}
	return false
}

func (d *dedupeCache) compact(now time.Time) {
	for k, ts := range d.items {
		if now.Sub(ts) > d.ttl {
			delete(d.items, k)
		}
	}
}
