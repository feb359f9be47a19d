package snapshot

import (
	"strings"
	"sync"
	"time"
)

// Key identifies one resolution: a symbol at a second-granularity instant.
type Key struct {
	Symbol string
	At     int64 // Unix seconds
	Kind   string
}

// NewKey builds a Key, truncating at to the second.
func NewKey(kind, symbol string, at time.Time) Key {
	return Key{Symbol: strings.ToUpper(symbol), At: at.Unix(), Kind: kind}
}

func (k Key) String() string {
	return k.Kind + ":" + k.Symbol + "@" + time.Unix(k.At, 0).UTC().Format(time.RFC3339)
}

type cacheEntry struct {
	res     Result
	expires time.Time
}

// Cache holds resolved snapshot prices for a short TTL and tracks per-symbol
// failure cooldowns. It is safe for concurrent use; one instance is shared
// by every resolver in a process.
type Cache struct {
	ttl      time.Duration
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	entries   map[Key]cacheEntry
	cooldowns map[string]time.Time
}

// NewCache creates a Cache. A nil now uses time.Now.
func NewCache(ttl, cooldown time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:       ttl,
		cooldown:  cooldown,
		now:       now,
		entries:   make(map[Key]cacheEntry),
		cooldowns: make(map[string]time.Time),
	}
}

// Get returns the unexpired result for k.
func (c *Cache) Get(k Key) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return Result{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return Result{}, false
	}
	return e.res, true
}

// Put stores res under k for the cache TTL.
func (c *Cache) Put(k Key, res Result) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[k] = cacheEntry{res: res, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// CoolDown starts a failure cooldown for symbol.
func (c *Cache) CoolDown(symbol string) time.Time {
	until := c.now().Add(c.cooldown)
	c.mu.Lock()
	c.cooldowns[strings.ToUpper(symbol)] = until
	c.mu.Unlock()
	return until
}

// InCooldown reports whether symbol's live path is suspended.
func (c *Cache) InCooldown(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[symbol]
	if !ok {
		return false
	}
	if !c.now().Before(until) {
		delete(c.cooldowns, symbol)
		return false
	}
	return true
}

// Reset drops every cached result and cooldown.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[Key]cacheEntry)
	c.cooldowns = make(map[string]time.Time)
	c.mu.Unlock()
}
