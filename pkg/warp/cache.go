package warp

import (
	"sync"
	"time"

	"github.com/warppool/warppool/pkg/api"
)

// StatusTTL bounds how long a derived status record may be served without
// re-probing process/port/device state.
const StatusTTL = 2 * time.Second

// ipInfoTTL is longer than StatusTTL: IP/geo lookups cost a network round
// trip and the egress IP only changes on reconnect.
const ipInfoTTL = 120 * time.Second

// StatusCache is a single-slot memoization of the status record, owned by
// exactly one driver instance. Every state-changing operation must call
// Invalidate so the next read is fresh rather than stale-positive.
type StatusCache struct {
	mu         sync.Mutex
	value      api.StatusRecord
	capturedAt time.Time
	valid      bool
}

// Get returns the cached record while it is younger than ttl, otherwise
// recomputes via fill and stores the result.
func (c *StatusCache) Get(ttl time.Duration, fill func() api.StatusRecord) api.StatusRecord {
	c.mu.Lock()
	if c.valid && time.Since(c.capturedAt) < ttl {
		v := c.value
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	// fill runs outside the lock: it may take seconds and concurrent
	// readers must not pile up behind it.
	v := fill()

	c.mu.Lock()
	c.value = v
	c.capturedAt = time.Now()
	c.valid = true
	c.mu.Unlock()
	return v
}

func (c *StatusCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
