// Package router implements the Query Router & Executor (Component D): it
// takes a compiled segment and dispatches it against the store its target
// names, under a caller-supplied deadline and resource bounds, and returns a
// typed result shape regardless of which store answered.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/frowell/flowforge/internal/compiler"
	"github.com/frowell/flowforge/internal/schemamodel"
)

// Bounds caps one query's resource consumption. Preview and Widget profiles
// are spec.md §4.3's two configured defaults.
type Bounds struct {
	MaxExecutionTime time.Duration
	MaxMemoryBytes   int64
	MaxRowsScanned   int64
	ResultLimit      int
}

// PreviewBounds and WidgetBounds are the two default resource profiles
// named in spec.md §4.3.
var (
	PreviewBounds = Bounds{MaxExecutionTime: 3 * time.Second, MaxMemoryBytes: 100 << 20, MaxRowsScanned: 10_000_000, ResultLimit: 100}
	WidgetBounds  = Bounds{MaxExecutionTime: 30 * time.Second, MaxMemoryBytes: 500 << 20, MaxRowsScanned: 50_000_000}
)

// Column describes one result column; dtype is always the compiler-computed
// schema, never inferred from the returned value (spec.md §4.3).
type Column struct {
	Name  string             `json:"name"`
	DType schemamodel.DType  `json:"dtype"`
}

// Result is the store-agnostic shape every dispatch path returns.
type Result struct {
	Columns         []Column         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	ExecutionMillis int64            `json:"executionMillis"`
}

// Failure is the typed taxonomy from spec.md §4.3. Only Timeout and
// StoreUnavailable are retried; ResourceExceeded, StoreError and Cancelled
// never are.
type Failure struct {
	Kind   string // Timeout, ResourceExceeded, StoreUnavailable, StoreError, Cancelled
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return "router: " + f.Kind
	}
	return fmt.Sprintf("router: %s: %s", f.Kind, f.Detail)
}

func transient(f *Failure) bool {
	return f.Kind == "Timeout" || f.Kind == "StoreUnavailable"
}

// OLAPClient dispatches a compiled olap segment over HTTP+JSON.
type OLAPClient struct {
	Endpoint string
	HTTP     *http.Client
}

// StreamPool dispatches a compiled stream segment over the Postgres wire
// protocol.
type StreamPool struct {
	Pool *pgxpool.Pool
}

// KVClient dispatches a compiled kv segment via bounded SCAN + pipelined
// hash fetch.
type KVClient struct {
	Redis        *redis.Client
	ScanBatch    int64
	MaxKeyCount  int
	PipelineSize int
}

// Executor ties one client per store target together and applies the
// shared retry policy.
type Executor struct {
	OLAP   *OLAPClient
	Stream *StreamPool
	KV     *KVClient
}

// Execute dispatches seg under ctx (the request's deadline, cancelled on
// client disconnect) and bounds. Retries apply only to transient transport
// failures on idempotent read-only dispatches — never to store-side errors.
func (e *Executor) Execute(ctx context.Context, seg *compiler.CompiledSegment, bounds Bounds, drillFilterCount int) (*Result, error) {
	if seg.Empty {
		// An explicitly-empty shared-identifier ACL set: the compiler has
		// already proven this segment contributes zero rows, so it never
		// reaches a store client at all.
		cols := make([]Column, len(seg.OutputColumns))
		for i, c := range seg.OutputColumns {
			cols[i] = Column{Name: c.Name, DType: c.DType}
		}
		return &Result{Columns: cols}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, bounds.MaxExecutionTime)
	defer cancel()

	var result *Result
	op := func() error {
		var err error
		switch seg.Target {
		case compiler.TargetOLAP:
			result, err = e.OLAP.execute(ctx, seg, bounds)
		case compiler.TargetStream:
			result, err = e.Stream.execute(ctx, seg, bounds)
		case compiler.TargetKV:
			result, err = e.KV.execute(ctx, seg, bounds)
		default:
			return backoff.Permanent(&Failure{Kind: "StoreError", Detail: "unknown target " + string(seg.Target)})
		}
		if err != nil {
			if f, ok := err.(*Failure); ok && !transient(f) {
				return backoff.Permanent(f)
			}
			return err
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Failure{Kind: "Timeout"}
		}
		if ctx.Err() == context.Canceled {
			return nil, &Failure{Kind: "Cancelled"}
		}
		if f, ok := err.(*Failure); ok {
			return nil, f
		}
		return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
	}
	return result, nil
}

func (c *OLAPClient) execute(ctx context.Context, seg *compiler.CompiledSegment, bounds Bounds) (*Result, error) {
	// SETTINGS fragment carries only integer constants, never user input
	// (spec.md §4.3).
	settings := fmt.Sprintf("SETTINGS max_execution_time=%d, max_memory_usage=%d, max_rows_to_read=%d",
		int64(bounds.MaxExecutionTime.Seconds()), bounds.MaxMemoryBytes, bounds.MaxRowsScanned)
	body := seg.SQL + " " + settings

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(body))
	if err != nil {
		return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "text/plain")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Failure{Kind: "Timeout"}
		}
		return nil, &Failure{Kind: "StoreUnavailable", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
		return nil, &Failure{Kind: "StoreUnavailable", Detail: resp.Status}
	}
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, &Failure{Kind: "ResourceExceeded"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Failure{Kind: "StoreError", Detail: resp.Status}
	}

	var payload struct {
		Columns []Column         `json:"columns"`
		Rows    []map[string]any `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
	}
	return &Result{Columns: mergeColumns(payload.Columns, seg.OutputColumns), Rows: payload.Rows, ExecutionMillis: time.Since(start).Milliseconds()}, nil
}

func (p *StreamPool) execute(ctx context.Context, seg *compiler.CompiledSegment, bounds Bounds) (*Result, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, &Failure{Kind: "StoreUnavailable", Detail: err.Error()}
	}
	defer conn.Release()

	timeoutMs := bounds.MaxExecutionTime.Milliseconds()
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMs)); err != nil {
		return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
	}

	start := time.Now()
	rows, err := conn.Query(ctx, seg.SQL)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Failure{Kind: "Timeout"}
		}
		return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = Column{Name: string(f.Name)}
	}
	for _, oc := range seg.OutputColumns {
		for i := range cols {
			if cols[i].Name == oc.Name {
				cols[i].DType = oc.DType
			}
		}
	}

	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
		}
		row := make(map[string]any, len(vals))
		for i, v := range vals {
			if i < len(cols) {
				row[cols[i].Name] = v
			}
		}
		out = append(out, row)
		if bounds.ResultLimit > 0 && len(out) > bounds.ResultLimit {
			return nil, &Failure{Kind: "ResourceExceeded"}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &Failure{Kind: "StoreError", Detail: err.Error()}
	}

	return &Result{Columns: cols, Rows: out, ExecutionMillis: time.Since(start).Milliseconds()}, nil
}

// execute runs a kv segment's bounded SCAN, pipelining the hash fetches for
// every matched key (spec.md §4.3 kv dispatch). Every fetched row is
// returned: no filter, sort or limit is applied to them here or by the
// caller.
func (k *KVClient) execute(ctx context.Context, seg *compiler.CompiledSegment, bounds Bounds) (*Result, error) {
	start := time.Now()
	var keys []string
	var cursor uint64
	for {
		batch, next, err := k.Redis.Scan(ctx, cursor, seg.KV.KeyPattern, k.ScanBatch).Result()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &Failure{Kind: "Timeout"}
			}
			return nil, &Failure{Kind: "StoreUnavailable", Detail: err.Error()}
		}
		keys = append(keys, batch...)
		if len(keys) > k.MaxKeyCount {
			return nil, &Failure{Kind: "ResourceExceeded"}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	rows := make([]map[string]any, 0, len(keys))
	for i := 0; i < len(keys); i += k.PipelineSize {
		end := i + k.PipelineSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]

		pipe := k.Redis.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(batch))
		for j, key := range batch {
			cmds[j] = pipe.HGetAll(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, &Failure{Kind: "StoreUnavailable", Detail: err.Error()}
		}
		for j, cmd := range cmds {
			fields, err := cmd.Result()
			if err != nil {
				continue
			}
			row := map[string]any{"_key": batch[j], "_identifier": identifierFromKey(batch[j], seg.KV.IdentifierExtractor)}
			for k, v := range fields {
				row[k] = v
			}
			rows = append(rows, row)
		}
	}

	cols := make([]Column, len(seg.OutputColumns))
	for i, c := range seg.OutputColumns {
		cols[i] = Column{Name: c.Name, DType: c.DType}
	}
	return &Result{Columns: cols, Rows: rows, ExecutionMillis: time.Since(start).Milliseconds()}, nil
}

func identifierFromKey(key, extractor string) string {
	if extractor == "" {
		if i := strings.LastIndexByte(key, ':'); i >= 0 {
			return key[i+1:]
		}
		return key
	}
	parts := strings.Split(key, extractor)
	return parts[len(parts)-1]
}

func mergeColumns(fromStore []Column, computed []schemamodel.ColumnSchema) []Column {
	if len(fromStore) == len(computed) {
		out := make([]Column, len(computed))
		for i, c := range computed {
			out[i] = Column{Name: c.Name, DType: c.DType}
		}
		return out
	}
	return fromStore
}

// OpenStreamPool opens a pgx connection pool for the stream store.
func OpenStreamPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// Ping checks every configured store client is reachable, for a readiness
// probe distinct from liveness (spec.md §6 "Exit codes").
func (e *Executor) Ping(ctx context.Context) error {
	if e.OLAP != nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.OLAP.Endpoint, nil)
		if err != nil {
			return fmt.Errorf("olap store: %w", err)
		}
		resp, err := e.OLAP.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("olap store: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("olap store: status %d", resp.StatusCode)
		}
	}
	if e.Stream != nil {
		if err := e.Stream.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("stream store: %w", err)
		}
	}
	if e.KV != nil {
		if err := e.KV.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("kv store: %w", err)
		}
	}
	return nil
}

// OpenOLAPDB opens a plain database/sql view of the OLAP store for
// components that want one alongside the HTTP client above (catalog
// introspection against the OLAP store, for instance).
func OpenOLAPDB(driverName, dsn string) (*sql.DB, error) {
	return sql.Open(driverName, dsn)
}
