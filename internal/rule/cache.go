package rule

import (
	"sync"
	"time"
)

// activeCache holds one tenant's active-rule list with a TTL. The registry is
// read-mostly: evaluations hit this cache, and any rule mutation invalidates
// the owning tenant's entry.
type activeCache struct {
	mu       sync.RWMutex
	rules    []*Rule
	cachedAt time.Time
	ttl      time.Duration
	valid    bool
}

func newActiveCache(ttl time.Duration) *activeCache {
	return &activeCache{ttl: ttl}
}

// get returns the cached list, or nil on miss/expiry.
func (c *activeCache) get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil
	}
	if c.ttl > 0 && time.Since(c.cachedAt) > c.ttl {
		return nil
	}
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func (c *activeCache) set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.valid = true
}

func (c *activeCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}
