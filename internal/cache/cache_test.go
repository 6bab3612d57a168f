package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frowell/flowforge/internal/router"
)

func TestCacheMissThenHit(t *testing.T) {
	c := New(time.Minute)
	var calls int32

	compute := func(ctx context.Context) (PreviewResult, []string, error) {
		atomic.AddInt32(&calls, 1)
		return PreviewResult{Rows: []map[string]any{{"id": 1}}}, []string{"orders"}, nil
	}

	first, err := c.Serve(context.Background(), "tenant-a", "fp1", compute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.CacheHit {
		t.Fatal("expected first call to be a miss")
	}

	second, err := c.Serve(context.Background(), "tenant-a", "fp1", compute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("expected second call to be a cache hit")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected compute to run exactly once, ran %d times", calls)
	}
}

func TestCacheSingleFlightCoalescesConcurrentMisses(t *testing.T) {
	c := New(time.Minute)
	var calls int32
	release := make(chan struct{})

	compute := func(ctx context.Context) (PreviewResult, []string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return PreviewResult{Rows: []map[string]any{{"id": 1}}}, []string{"orders"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Serve(context.Background(), "tenant-a", "fp-concurrent", compute); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one compute call across concurrent misses, got %d", calls)
	}
}

func TestCacheTenantIsolation(t *testing.T) {
	c := New(time.Minute)
	compute := func(tenant string) ComputeFunc {
		return func(ctx context.Context) (PreviewResult, []string, error) {
			return PreviewResult{Rows: []map[string]any{{"tenant": tenant}}}, []string{"orders"}, nil
		}
	}

	if _, err := c.Serve(context.Background(), "tenant-a", "shared-fp", compute("tenant-a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var calls int32
	guarded := func(ctx context.Context) (PreviewResult, []string, error) {
		atomic.AddInt32(&calls, 1)
		return PreviewResult{Rows: []map[string]any{{"tenant": "tenant-b"}}}, []string{"orders"}, nil
	}
	if _, err := c.Serve(context.Background(), "tenant-b", "shared-fp", guarded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatal("expected a different tenant under the same fingerprint key to miss and recompute")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c := New(time.Millisecond)
	var calls int32
	compute := func(ctx context.Context) (PreviewResult, []string, error) {
		atomic.AddInt32(&calls, 1)
		return PreviewResult{}, []string{"orders"}, nil
	}

	if _, err := c.Serve(context.Background(), "tenant-a", "fp-ttl", compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Serve(context.Background(), "tenant-a", "fp-ttl", compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected entry to expire and recompute, got %d calls", calls)
	}
}

func TestCacheInvalidateTablesBumpsGeneration(t *testing.T) {
	c := New(time.Minute)
	var calls int32
	compute := func(ctx context.Context) (PreviewResult, []string, error) {
		atomic.AddInt32(&calls, 1)
		return PreviewResult{}, []string{"orders"}, nil
	}

	if _, err := c.Serve(context.Background(), "tenant-a", "fp-inv", compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.InvalidateTables("tenant-a", []string{"orders"})
	if _, err := c.Serve(context.Background(), "tenant-a", "fp-inv", compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected invalidation to force a recompute, got %d calls", calls)
	}
}

func TestCacheInvalidateTablesIgnoresUnrelatedTable(t *testing.T) {
	c := New(time.Minute)
	var calls int32
	compute := func(ctx context.Context) (PreviewResult, []string, error) {
		atomic.AddInt32(&calls, 1)
		return PreviewResult{}, []string{"orders"}, nil
	}

	if _, err := c.Serve(context.Background(), "tenant-a", "fp-unrelated", compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.InvalidateTables("tenant-a", []string{"users"})
	if _, err := c.Serve(context.Background(), "tenant-a", "fp-unrelated", compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected invalidation of an unrelated table to leave the entry intact, got %d calls", calls)
	}
}

func TestCacheServesStaleOnUnavailableWhenEnabled(t *testing.T) {
	c := New(time.Millisecond)
	c.ServeStaleOnUnavailable = true

	good := func(ctx context.Context) (PreviewResult, []string, error) {
		return PreviewResult{Rows: []map[string]any{{"id": 1}}}, []string{"orders"}, nil
	}
	if _, err := c.Serve(context.Background(), "tenant-a", "fp-stale", good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	failing := func(ctx context.Context) (PreviewResult, []string, error) {
		return PreviewResult{}, nil, &router.Failure{Kind: "StoreUnavailable"}
	}
	result, err := c.Serve(context.Background(), "tenant-a", "fp-stale", failing)
	if err != nil {
		t.Fatalf("expected stale-serve to suppress the error, got %v", err)
	}
	if !result.CacheHit || !result.Truncated || !result.Stale {
		t.Fatal("expected a stale result marked CacheHit, Truncated, and Stale")
	}
}

func TestCachePropagatesErrorWhenStaleServeDisabled(t *testing.T) {
	c := New(time.Millisecond)

	good := func(ctx context.Context) (PreviewResult, []string, error) {
		return PreviewResult{}, []string{"orders"}, nil
	}
	if _, err := c.Serve(context.Background(), "tenant-a", "fp-nostale", good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	failing := func(ctx context.Context) (PreviewResult, []string, error) {
		return PreviewResult{}, nil, &router.Failure{Kind: "StoreUnavailable"}
	}
	if _, err := c.Serve(context.Background(), "tenant-a", "fp-nostale", failing); err == nil {
		t.Fatal("expected the StoreUnavailable error to propagate when stale-serve is disabled")
	}
}
