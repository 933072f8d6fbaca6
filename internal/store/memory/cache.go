// Package memory is an in-process HistoryCache for single-node deployments
// without redis, and for tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"tickstream/internal/model"
)

const defaultMaxLength = 1000

// Cache keeps one bounded ring per cache key.
//
// Thread-safe for concurrent writes and reads.
type Cache struct {
	mu        sync.RWMutex
	rings     map[string]*ring
	maxLength int
}

var _ model.HistoryCache = (*Cache)(nil)

// NewCache creates a cache bounding every key to maxLength entries.
func NewCache(maxLength int) *Cache {
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	return &Cache{
		rings:     make(map[string]*ring),
		maxLength: maxLength,
	}
}

// MaxLength returns the per-key bound.
func (c *Cache) MaxLength() int { return c.maxLength }

// Push prepends entry to key, evicting the oldest entry past the bound.
func (c *Cache) Push(_ context.Context, key model.CacheKey, entry []byte) error {
	k := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rings[k]
	if !ok {
		r = newRing(c.maxLength)
		c.rings[k] = r
	}
	r.push(string(entry))
	return nil
}

// Read returns up to limit entries for key, newest first.
func (c *Cache) Read(_ context.Context, key model.CacheKey, limit int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.rings[key.String()]
	if !ok {
		return []string{}, nil
	}
	return r.newest(limit), nil
}

// ReadAllMatchingPrefix returns every token's entries for (series, dataType).
func (c *Cache) ReadAllMatchingPrefix(_ context.Context, series string, dataType model.DataType) (map[int64][]string, error) {
	prefix := model.CacheKey{Series: series, Type: dataType}.Prefix()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int64][]string)
	for k, r := range c.rings {
		tok, ok := model.ParseSubkey(prefix, k)
		if !ok {
			continue
		}
		out[tok] = r.newest(0)
	}
	return out, nil
}

// ListSubkeys returns the tokens with entries for (series, dataType), ascending.
func (c *Cache) ListSubkeys(_ context.Context, series string, dataType model.DataType) ([]int64, error) {
	prefix := model.CacheKey{Series: series, Type: dataType}.Prefix()

	c.mu.RLock()
	defer c.mu.RUnlock()

	tokens := make([]int64, 0)
	for k := range c.rings {
		if tok, ok := model.ParseSubkey(prefix, k); ok {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens, nil
}

// Flush drops every key belonging to series.
func (c *Cache) Flush(_ context.Context, series string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.rings {
		if model.OwnsKey(series, k) {
			delete(c.rings, k)
			n++
		}
	}
	return n, nil
}
