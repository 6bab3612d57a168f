// Package cache implements the Preview Cache half of Component E: a
// content-addressed, tenant-scoped, TTL-bounded cache of PreviewResults,
// coordinated with golang.org/x/sync/singleflight so at most one
// compile+execute runs per fingerprint at a time.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/frowell/flowforge/internal/router"
)

// PreviewResult is spec.md §3's cache entry shape.
type PreviewResult struct {
	Columns         []router.Column  `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	TotalEstimate   int              `json:"totalEstimate"`
	ExecutionMillis int64            `json:"executionMillis"`
	CacheHit        bool             `json:"cacheHit"`
	Truncated       bool             `json:"truncated"`
	Stale           bool             `json:"stale,omitempty"`
}

type entry struct {
	result     PreviewResult
	expiresAt  time.Time
	tenantID   string
	tables     []string
	generation int
}

// ComputeFunc runs the miss path: compile, execute, shape a PreviewResult.
// It must not set CacheHit — Cache does that on the way out.
type ComputeFunc func(ctx context.Context) (PreviewResult, []string, error)

// Cache is safe for concurrent use.
type Cache struct {
	ttl time.Duration

	mu          sync.RWMutex
	entries     map[string]entry
	generations map[string]int // tenantID -> current generation

	group singleflight.Group

	// ServeStaleOnUnavailable governs the policy resolving SPEC_FULL's Open
	// Question (a): whether a StoreUnavailable failure on a miss may be
	// answered with the most recent expired entry for the same fingerprint
	// rather than propagating the error. Default false.
	ServeStaleOnUnavailable bool

	stale map[string]entry // last-known-good entry per fingerprint, kept past expiry for the stale-serve policy
}

// New constructs a Cache with the given default TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:         ttl,
		entries:     make(map[string]entry),
		generations: make(map[string]int),
		stale:       make(map[string]entry),
	}
}

// Serve looks up fingerprint; on a hit it returns immediately with
// CacheHit=true. On a miss, at most one concurrent caller per fingerprint
// runs compute; all concurrent callers for the same fingerprint observe its
// result (spec.md §4.4 "Single-flight guarantee").
func (c *Cache) Serve(ctx context.Context, tenantID, fingerprint string, compute ComputeFunc) (PreviewResult, error) {
	if hit, ok := c.lookup(tenantID, fingerprint); ok {
		hit.CacheHit = true
		return hit, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the entry between our lookup and Do() taking the lock.
		if hit, ok := c.lookup(tenantID, fingerprint); ok {
			hit.CacheHit = true
			return hit, nil
		}

		result, tables, err := compute(ctx)
		if err != nil {
			if c.ServeStaleOnUnavailable && isStoreUnavailable(err) {
				if stale, ok := c.lookupStale(fingerprint); ok {
					stale.CacheHit = true
					stale.Truncated = true
					stale.Stale = true
					return stale, nil
				}
			}
			return PreviewResult{}, err
		}

		c.store(tenantID, fingerprint, result, tables)
		return result, nil
	})
	if err != nil {
		return PreviewResult{}, err
	}
	return v.(PreviewResult), nil
}

func isStoreUnavailable(err error) bool {
	f, ok := err.(*router.Failure)
	return ok && f.Kind == "StoreUnavailable"
}

func (c *Cache) lookup(tenantID, fingerprint string) (PreviewResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fingerprint]
	if !ok || e.tenantID != tenantID {
		return PreviewResult{}, false
	}
	if time.Now().After(e.expiresAt) {
		return PreviewResult{}, false
	}
	if e.generation != c.generations[tenantID] {
		return PreviewResult{}, false
	}
	return e.result, true
}

func (c *Cache) lookupStale(fingerprint string) (PreviewResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.stale[fingerprint]
	return e.result, ok
}

func (c *Cache) store(tenantID, fingerprint string, result PreviewResult, tables []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{
		result:     result,
		expiresAt:  time.Now().Add(c.ttl),
		tenantID:   tenantID,
		tables:     tables,
		generation: c.generations[tenantID],
	}
	c.entries[fingerprint] = e
	c.stale[fingerprint] = e
}

// InvalidateTables runs when deltas arrive for tenantID (spec.md §4.4
// fan-out step 4). If any of the tenant's cached entries declares one of
// the delta tables, it bumps the tenant's generation counter, and lookup
// then misses on every entry of that tenant, including entries over
// unrelated tables. Nothing is deleted from the map.
func (c *Cache) InvalidateTables(tenantID string, deltaTables []string) {
	deltas := make(map[string]bool, len(deltaTables))
	for _, t := range deltaTables {
		deltas[t] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	affected := false
	for _, e := range c.entries {
		if e.tenantID != tenantID {
			continue
		}
		for _, t := range e.tables {
			if deltas[t] {
				affected = true
				break
			}
		}
		if affected {
			break
		}
	}
	if affected {
		c.generations[tenantID]++
	}
}

// Sweep removes expired entries from the live map. The last-known-good
// copies kept for stale serving are not removed, so that map grows with
// every distinct fingerprint ever stored.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
