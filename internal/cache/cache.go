package cache

import (
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// DeviceCache holds the disposable local state a device keeps between
// screens: the last request it submitted or accepted and the duty
// flag. Snapshots expire after a short TTL so a resumed screen
// re-derives state from the backend instead of trusting a stale copy.
// Losing everything here degrades the resume experience only; the
// backend stays the recoverable source of truth.
type DeviceCache struct {
	mu  sync.RWMutex
	ttl time.Duration

	submitted entry
	accepted  entry
	dutyOn    bool
}

type entry struct {
	r  *models.Request
	ts time.Time
}

// New creates a cache with the provided snapshot TTL.
func New(ttl time.Duration) *DeviceCache {
	return &DeviceCache{ttl: ttl}
}

// SetSubmitted stores the customer's last-submitted request snapshot.
func (c *DeviceCache) SetSubmitted(r *models.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = entry{r: r, ts: time.Now()}
}

// Submitted returns the snapshot and true if present and not expired.
func (c *DeviceCache) Submitted() (*models.Request, bool) {
	return c.get(&c.submitted)
}

// SetAccepted stores the master's last-accepted request snapshot.
func (c *DeviceCache) SetAccepted(r *models.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = entry{r: r, ts: time.Now()}
}

// Accepted returns the snapshot and true if present and not expired.
func (c *DeviceCache) Accepted() (*models.Request, bool) {
	return c.get(&c.accepted)
}

func (c *DeviceCache) get(e *entry) (*models.Request, bool) {
	c.mu.RLock()
	r, ts := e.r, e.ts
	c.mu.RUnlock()
	if r == nil {
		return nil, false
	}
	if time.Since(ts) > c.ttl {
		c.mu.Lock()
		if e.ts == ts {
			e.r = nil
		}
		c.mu.Unlock()
		return nil, false
	}
	return r, true
}

// SetDuty persists the duty flag. No TTL: the toggle survives until
// changed or the session is torn down.
func (c *DeviceCache) SetDuty(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dutyOn = on
}

func (c *DeviceCache) Duty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dutyOn
}

// Clear drops everything; called on logout.
func (c *DeviceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = entry{}
	c.accepted = entry{}
	c.dutyOn = false
}
