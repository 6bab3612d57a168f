// Package schemamodel implements Component A: the catalog of tables and
// columns per tenant, and the type system the propagation engine and
// compiler build on.
package schemamodel

// DType is the engine's column type system. Every store-native type is
// mapped into one of these before it reaches the propagation engine or the
// compiler, so both operate on a single closed vocabulary.
type DType string

const (
	DTypeString   DType = "string"
	DTypeInt64    DType = "int64"
	DTypeFloat64  DType = "float64"
	DTypeBool     DType = "bool"
	DTypeDatetime DType = "datetime"
	DTypeObject   DType = "object"
)

// Source names the backing store a table lives in.
type Source string

const (
	SourceOLAP   Source = "olap"
	SourceStream Source = "stream"
	SourceKV     Source = "kv"
)

// ColumnSchema describes one output or catalog column.
type ColumnSchema struct {
	Name        string `json:"name"`
	DType       DType  `json:"dtype"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// Equal compares two columns structurally, per spec.md §4.1's determinism
// invariant ("comparisons are structural on (name, dtype, nullable)").
func (c ColumnSchema) Equal(o ColumnSchema) bool {
	return c.Name == o.Name && c.DType == o.DType && c.Nullable == o.Nullable
}

// ACLMode names how tenant isolation is enforced for a table at compile
// time (spec.md §4.2 "tenant ACL injection").
type ACLMode string

const (
	// ACLNone means the table is already tenant-exclusive (e.g. a
	// per-tenant schema) and needs no injected predicate.
	ACLNone ACLMode = ""
	// ACLSharedIdentifierSet means rows are restricted to a tenant-scoped
	// identifier set resolved ahead of compilation (e.g. an allowed
	// customer_id IN (...) list), for shared tables with no tenant column.
	ACLSharedIdentifierSet ACLMode = "shared_identifier_set"
	// ACLMetadataTenantColumn means the table carries a literal tenant_id
	// (or similarly named) column that the compiler predicates on
	// directly.
	ACLMetadataTenantColumn ACLMode = "metadata_tenant_column"
)

// TableSchema describes one catalog table.
type TableSchema struct {
	Name     string         `json:"name"`
	Database string         `json:"database"`
	Source   Source         `json:"source"`
	Columns  []ColumnSchema `json:"columns"`

	// PrimaryKey lists the table's primary-key columns, in declared order,
	// used to tag preview result rows with a stable row-key handle.
	PrimaryKey []string `json:"primary_key,omitempty"`

	// ACL and TenantColumn describe how compile-time tenant isolation is
	// enforced against this table. ACLMetadataTenantColumn requires
	// TenantColumn to name the column holding the tenant identifier.
	ACL          ACLMode `json:"acl,omitempty"`
	TenantColumn string  `json:"tenant_column,omitempty"`
}

// Column looks up a column by name, preserving declaration order semantics
// used throughout the propagation transforms.
func (t TableSchema) Column(name string) (ColumnSchema, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// ColumnsEqual reports whether two schemas' columns are identical in name,
// dtype, nullable and order — the parity check spec.md §8 Property 1 needs.
func ColumnsEqual(a, b []ColumnSchema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
