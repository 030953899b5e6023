package cache

import (
	"strings"
	"time"
)

const defaultAggregateTTL = 30 * time.Second

// EntitlementCache is the read-through cache in front of aggregate reads on
// the quota hot path. Invalidation is triggered by reconciler writes, never
// by callers.
type EntitlementCache[V any] interface {
	Get(accountID string) (V, bool)
	Set(accountID string, value V)
	Invalidate(accountID string)
}

type entitlementCache[V any] struct {
	inner Cache[string, V]
	ttl   time.Duration
}

// NewEntitlementCache returns an in-memory cache tuned for aggregate reads.
func NewEntitlementCache[V any]() EntitlementCache[V] {
	return &entitlementCache[V]{
		inner: NewTTLCache[string, V](),
		ttl:   defaultAggregateTTL,
	}
}

func (c *entitlementCache[V]) Get(accountID string) (V, bool) {
	return c.inner.Get(cacheKey(accountID))
}

func (c *entitlementCache[V]) Set(accountID string, value V) {
	key := cacheKey(accountID)
	if key == "" {
		return
	}
	c.inner.Set(key, value, c.ttl)
}

func (c *entitlementCache[V]) Invalidate(accountID string) {
	c.inner.Delete(cacheKey(accountID))
}

func cacheKey(accountID string) string {
	return strings.ToLower(strings.TrimSpace(accountID))
}
