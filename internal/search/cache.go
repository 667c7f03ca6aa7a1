package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Query cache defaults.
const (
	DefaultCacheSize = 100
	DefaultCacheTTL  = 5 * time.Minute
)

// QueryCache is a bounded, TTL'd result cache keyed by a content
// fingerprint. Including the result's source ids and the store count in
// the fingerprint invalidates cached answers whenever the store's
// relevant content changes.
type QueryCache[V any] struct {
	cache *expirable.LRU[string, V]
}

// NewQueryCache creates a cache with the given bounds. Non-positive
// values use the defaults.
func NewQueryCache[V any](size int, ttl time.Duration) *QueryCache[V] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &QueryCache[V]{
		cache: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Fingerprint builds the cache key from the normalized query, topK, the
// sorted source ids of the answer, and the store count at answer time.
func Fingerprint(query string, topK int, sourceIDs []string, storeCount int) string {
	ids := append([]string(nil), sourceIDs...)
	sort.Strings(ids)

	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%d\x00%s\x00%d",
		normalizeQuery(query), topK, strings.Join(ids, ","), storeCount)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for a key.
func (c *QueryCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

// Add stores a value under a key.
func (c *QueryCache[V]) Add(key string, value V) {
	c.cache.Add(key, value)
}

// Purge drops all entries.
func (c *QueryCache[V]) Purge() {
	c.cache.Purge()
}

// Len returns the number of live entries.
func (c *QueryCache[V]) Len() int {
	return c.cache.Len()
}

// normalizeQuery lowercases and collapses whitespace.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
