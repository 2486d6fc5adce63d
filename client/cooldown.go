package client

import (
	"sync"
	"time"
)

// Cooldown rate-limits active-run discovery probes per scope: every mount
// would otherwise hammer the listing endpoint. It is injected per
// subscription rather than held as package state so tests and independent
// features get independent windows.
type Cooldown struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown creates a cooldown with the given window. A zero ttl allows
// every probe.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		ttl:  ttl,
		now:  time.Now,
		last: make(map[string]time.Time),
	}
}

// Allow reports whether a probe for the scope may proceed, and if so starts
// the scope's cooldown window.
func (c *Cooldown) Allow(scope string) bool {
	if c == nil || c.ttl <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[scope]; ok && now.Sub(last) < c.ttl {
		return false
	}
	c.last[scope] = now
	return true
}

// Reset clears the scope's window, letting the next probe through
// immediately (used after a probe that found an active run settles).
func (c *Cooldown) Reset(scope string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, scope)
}
