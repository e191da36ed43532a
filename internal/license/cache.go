package license

import (
	"crypto"
	"encoding/json"
	"sync"
	"time"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

const (
	minCacheTTL = 60 * time.Second
	maxCacheTTL = time.Hour
)

type cacheEntry struct {
	expires time.Time
}

// Cache remembers successful chain verifications of identical token bytes.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates an empty verification cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// CacheKey derives the cache key for verifying token under root with alg.
// It returns "" if the inputs cannot be fingerprinted.
func CacheKey(token *Token, root crypto.PublicKey, alg dlcrypto.Algorithm) string {
	data, err := json.Marshal(token)
	if err != nil {
		return ""
	}
	rootPEM, err := dlcrypto.EncodePublicKeyPEM(root)
	if err != nil {
		return ""
	}
	data = append(data, rootPEM...)
	data = append(data, alg...)
	return dlcrypto.SHA256Hex(data)
}

// TTL returns how long a verification of token stays cached: half the
// remaining lifetime, clamped to [60s, 1h].
func TTL(token *Token, now time.Time) time.Duration {
	if token.ExpireTime == 0 {
		return maxCacheTTL
	}
	remaining := time.Unix(token.ExpireTime, 0).Sub(now)
	ttl := remaining / 2
	if ttl < minCacheTTL {
		return minCacheTTL
	}
	if ttl > maxCacheTTL {
		return maxCacheTTL
	}
	return ttl
}

// Hit reports whether key holds an unexpired entry.
func (c *Cache) Hit(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.After(e.expires) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Store records a successful verification.
func (c *Cache) Store(key string, token *Token, now time.Time) {
	ttl := TTL(token, now)
	if token.ExpireTime != 0 && now.Add(ttl).Unix() > token.ExpireTime {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{expires: now.Add(ttl)}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
