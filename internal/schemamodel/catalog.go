package schemamodel

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Catalog is the per-tenant table/column catalog. It introspects
// information_schema over its one database connection (one query for the
// columns of every table in its schemas, one for primary keys), maps
// native column types into the engine's closed DType vocabulary, and
// additionally accepts
// catalog-declared entries for tables that have no information_schema row
// at all — the KV store's key-pattern "tables" chief among them.
//
// A Catalog never observes another tenant's tables: each tenant owns its
// own *Catalog instance, scoped to that tenant's schemas at construction.
type Catalog struct {
	tenantID string
	db       *sql.DB
	schemas  []string

	mu       sync.RWMutex
	cond     *sync.Cond
	tables   map[string]TableSchema // "schema.table" -> schema
	checksum string
	loadedAt time.Time
	ttl      time.Duration
}

// New constructs a Catalog for one tenant against one database connection.
// schemas restricts introspection (e.g. a tenant-owned schema, or "public"
// for a shared serving layer filtered later by ACL injection).
func New(tenantID string, db *sql.DB, schemas []string, ttl time.Duration) *Catalog {
	c := &Catalog{
		tenantID: tenantID,
		db:       db,
		schemas:  schemas,
		tables:   make(map[string]TableSchema),
		ttl:      ttl,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// TenantID returns the tenant this catalog is scoped to.
func (c *Catalog) TenantID() string { return c.tenantID }

// Stale reports whether the catalog has never loaded or has exceeded its TTL.
func (c *Catalog) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loadedAt.IsZero() {
		return true
	}
	return time.Since(c.loadedAt) > c.ttl
}

// Table looks up a table by qualified name ("schema.table" or bare name,
// resolved against "public" first).
func (c *Catalog) Table(qualified string) (TableSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.tables[qual(qualified)]; ok {
		return t, true
	}
	if t, ok := c.tables[qualified]; ok {
		return t, true
	}
	return TableSchema{}, false
}

// Columns returns a table's column names in declared order, looked up by
// schema-qualified or bare name.
func (c *Catalog) Columns(qualified string) ([]string, bool) {
	t, ok := c.Table(qualified)
	if !ok {
		return nil, false
	}
	out := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		out[i] = col.Name
	}
	return out, true
}

// PrimaryKeys returns the declared primary key of a table; the preview path
// uses it to tag result rows with a row-key handle.
func (c *Catalog) PrimaryKeys(table string) ([]string, bool) {
	t, ok := c.Table(table)
	if !ok || len(t.PrimaryKey) == 0 {
		return nil, false
	}
	return t.PrimaryKey, true
}

// RegisterVirtual adds (or overrides) a table that has no information_schema
// row — used for KV key-pattern "tables" and any other catalog-declared
// schema the introspected store doesn't expose natively. This also backs the
// catalog-declared target-detection fallback described in SPEC_FULL.md §4
// (Open Question (c)): once a table is registered here with an explicit
// Source, compiler target detection trusts it over the naming heuristic.
func (c *Catalog) RegisterVirtual(t TableSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[qual(t.Name)] = t
}

// Refresh reloads the catalog from the database if the computed checksum
// differs from the last load, and broadcasts to any WaitUntilRefreshed
// waiters. Virtual entries registered via RegisterVirtual survive a Refresh.
func (c *Catalog) Refresh(ctx context.Context) error {
	loaded, checksum, err := c.introspect(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh (tenant=%s): %w", c.tenantID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if checksum == c.checksum {
		c.loadedAt = time.Now()
		return nil
	}
	for k, v := range loaded {
		c.tables[k] = v
	}
	c.checksum = checksum
	c.loadedAt = time.Now()
	c.cond.Broadcast()
	return nil
}

// WaitUntilRefreshed blocks until a Refresh lands a checksum different from
// prevChecksum.
func (c *Catalog) WaitUntilRefreshed(prevChecksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.checksum == prevChecksum {
		c.cond.Wait()
	}
}

// StartAutoRefresh polls Refresh on the given interval until the context is
// cancelled, returning a stop function.
func (c *Catalog) StartAutoRefresh(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = c.Refresh(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Catalog) introspect(ctx context.Context) (map[string]TableSchema, string, error) {
	filter := "WHERE table_schema NOT IN ('pg_catalog', 'information_schema')"
	if len(c.schemas) > 0 {
		qs := make([]string, len(c.schemas))
		for i, s := range c.schemas {
			qs[i] = "'" + strings.ReplaceAll(s, "'", "''") + "'"
		}
		filter = "WHERE table_schema IN (" + strings.Join(qs, ",") + ")"
	}

	colsQuery := fmt.Sprintf(`
		SELECT table_schema, table_name, column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		%s
		ORDER BY table_schema, table_name, ordinal_position`, filter)

	rows, err := c.db.QueryContext(ctx, colsQuery)
	if err != nil {
		return nil, "", fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]TableSchema)
	for rows.Next() {
		var schema, table, col, dataType, nullable string
		var ordinal int
		if err := rows.Scan(&schema, &table, &col, &dataType, &nullable, &ordinal); err != nil {
			return nil, "", fmt.Errorf("scan column: %w", err)
		}
		key := schema + "." + table
		t, ok := tables[key]
		if !ok {
			t = TableSchema{Name: key, Database: schema, Source: SourceOLAP}
		}
		t.Columns = append(t.Columns, ColumnSchema{
			Name:     col,
			DType:    mapDType(dataType),
			Nullable: nullable == "YES",
		})
		tables[key] = t
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration: %w", err)
	}

	pkQuery := fmt.Sprintf(`
		SELECT kcu.table_schema, kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		%s AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.table_schema, kcu.table_name, kcu.ordinal_position`,
		strings.Replace(filter, "table_schema", "tc.table_schema", 1))

	pkRows, err := c.db.QueryContext(ctx, pkQuery)
	if err != nil {
		return nil, "", fmt.Errorf("query primary keys: %w", err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var schema, table, col string
		if err := pkRows.Scan(&schema, &table, &col); err != nil {
			return nil, "", fmt.Errorf("scan pk: %w", err)
		}
		key := schema + "." + table
		if t, ok := tables[key]; ok {
			t.PrimaryKey = append(t.PrimaryKey, col)
			tables[key] = t
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration (pkeys): %w", err)
	}

	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(keys)
	for _, k := range keys {
		cb, _ := json.Marshal(tables[k].Columns)
		b = append(b, cb...)
	}
	sum := sha256.Sum256(b)
	return tables, hex.EncodeToString(sum[:]), nil
}

// mapDType maps a Postgres-reported type name into the engine's closed type
// vocabulary (spec.md §3: ColumnSchema.dtype).
func mapDType(pgType string) DType {
	switch {
	case strings.Contains(pgType, "int"):
		return DTypeInt64
	case strings.Contains(pgType, "double"), strings.Contains(pgType, "real"), strings.Contains(pgType, "numeric"), strings.Contains(pgType, "decimal"):
		return DTypeFloat64
	case pgType == "boolean":
		return DTypeBool
	case strings.Contains(pgType, "timestamp"), pgType == "date", strings.Contains(pgType, "time"):
		return DTypeDatetime
	case strings.Contains(pgType, "char"), pgType == "text", pgType == "uuid":
		return DTypeString
	default:
		return DTypeObject
	}
}

func qual(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return "public." + s
}

// Registry holds one Catalog per tenant. A tenant never observes another
// tenant's tables because each is a distinct *Catalog behind its own key.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Catalog
}

// NewRegistry constructs an empty tenant-keyed catalog registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Catalog)}
}

// GetOrCreate returns the tenant's catalog, constructing one via factory on
// first access.
func (r *Registry) GetOrCreate(tenantID string, factory func() *Catalog) *Catalog {
	r.mu.RLock()
	c, ok := r.byID[tenantID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[tenantID]; ok {
		return c
	}
	c = factory()
	r.byID[tenantID] = c
	return c
}

// Get returns the tenant's catalog if one has been created.
func (r *Registry) Get(tenantID string) (*Catalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[tenantID]
	return c, ok
}
