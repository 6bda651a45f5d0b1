package network

import (
	"sync"
	"time"
)

// Challenge is a server-issued token that authenticates rcon datagrams.
type Challenge struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// ChallengeCache holds the most recent challenge of one connection.
// The server advertises no expiry, so a token is only trusted for ttl
// after it was received.
type ChallengeCache struct {
	mu      sync.Mutex
	current Challenge
	valid   bool
	ttl     time.Duration
}

// NewChallengeCache creates an empty cache trusting tokens for ttl.
func NewChallengeCache(ttl time.Duration) *ChallengeCache {
	return &ChallengeCache{ttl: ttl}
}

// Store caches token as issued at.
func (c *ChallengeCache) Store(token string, at time.Time) Challenge {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = Challenge{Token: token, IssuedAt: at}
	c.valid = true
	return c.current
}

// Valid returns the cached challenge if one is present and younger than ttl.
func (c *ChallengeCache) Valid(now time.Time) (Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked(now)
}

// Take returns the cached challenge like Valid and removes it, so a
// single-use token is never sent twice.
func (c *ChallengeCache) Take(now time.Time) (Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.validLocked(now)
	if ok {
		c.valid = false
	}
	return ch, ok
}

// Invalidate drops the cached challenge.
func (c *ChallengeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// Age returns how old the cached challenge is, or zero when there is none.
func (c *ChallengeCache) Age(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.valid {
		return 0
	}
	return now.Sub(c.current.IssuedAt)
}

func (c *ChallengeCache) validLocked(now time.Time) (Challenge, bool) {
	if !c.valid {
		return Challenge{}, false
	}
	if c.ttl > 0 && now.Sub(c.current.IssuedAt) >= c.ttl {
		return Challenge{}, false
	}
	return c.current, true
}
