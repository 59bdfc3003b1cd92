package keybridge

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MinSignatureLength is the shortest signature the cache treats as intact.
const MinSignatureLength = 16

type cacheEntry struct {
	identifier string
	signature  string
	obtainedAt time.Time
}

// SignatureCache remembers the last signature obtained per identifier so that
// a login within the cache window does not prompt the signer again.
// Entries are evicted lazily on Get.
type SignatureCache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, cacheEntry]
	duration time.Duration
	clock    clock.Clock
	metrics  *Metrics
}

// NewSignatureCache creates a cache holding at most size entries for duration each.
// A nil clk uses the wall clock.
func NewSignatureCache(duration time.Duration, size int, clk clock.Clock) *SignatureCache {
	if duration <= 0 {
		duration = DefaultCacheDuration
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if clk == nil {
		clk = clock.New()
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// only returned for a non-positive size, which is ruled out above
		panic(err)
	}
	return &SignatureCache{entries: entries, duration: duration, clock: clk}
}

// WithMetrics makes the cache report lookups to m.
func (c *SignatureCache) WithMetrics(m *Metrics) *SignatureCache {
	c.metrics = m
	return c
}

// Get returns the cached signature for identifier. Expired or corrupt entries
// are removed and reported as a miss.
func (c *SignatureCache) Get(identifier string) (string, bool) {
	key := normalizeIdentifier(identifier)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		c.metrics.cacheLookup("miss")
		return "", false
	}
	if !validSignature(entry.signature) {
		c.entries.Remove(key)
		c.metrics.cacheLookup("corrupt")
		return "", false
	}
	if c.clock.Now().Sub(entry.obtainedAt) >= c.duration {
		c.entries.Remove(key)
		c.metrics.cacheLookup("expired")
		return "", false
	}
	c.metrics.cacheLookup("hit")
	return entry.signature, true
}

// Put stores signature for identifier, replacing any previous entry.
func (c *SignatureCache) Put(identifier, signature string) {
	key := normalizeIdentifier(identifier)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, cacheEntry{
		identifier: identifier,
		signature:  signature,
		obtainedAt: c.clock.Now(),
	})
}

// Delete drops the entry for identifier if present.
func (c *SignatureCache) Delete(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(normalizeIdentifier(identifier))
}

// Len counts entries, including ones that have expired but not been read yet.
func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Purge empties the cache.
func (c *SignatureCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

func validSignature(sig string) bool {
	return len(sig) >= MinSignatureLength
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
