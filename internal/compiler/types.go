package compiler

import "github.com/frowell/flowforge/internal/schemamodel"

// Target names the backing store a CompiledSegment dispatches against.
type Target string

const (
	TargetOLAP   Target = "olap"
	TargetStream Target = "stream"
	TargetKV     Target = "kv"
)

// KVLookup is the payload of a kv-targeted CompiledSegment: there is no SQL,
// only a bounded scan over a key pattern. Filters, sorts and limits
// downstream of a kv source are not applied: the lookup carries no trace of
// them and the router returns every row the scan yields.
type KVLookup struct {
	Kind               string // always "SCAN_HASH"
	KeyPattern         string
	IdentifierExtractor string
}

// TenantBinding records the tenant a CompiledSegment was compiled for.
// Compile sets TenantID only; Mode is left at its zero value.
type TenantBinding struct {
	TenantID string
	Mode     schemamodel.ACLMode
}

// CompiledSegment is the Workflow Compiler's output for one target node.
// Immutable once produced: callers that need a different pagination window
// or drill filter recompile rather than mutate one in place.
type CompiledSegment struct {
	Target Target
	// Dialect names the SQL dialect the SQL was rendered for (always
	// "postgres" in this engine — OLAP and stream stores share one wire
	// dialect even though they are reached over different protocols).
	Dialect string
	// SQL holds the rendered statement for olap/stream targets. Empty for
	// kv targets, where KV holds the lookup instead.
	SQL           string
	KV            *KVLookup
	OutputColumns []schemamodel.ColumnSchema
	Tenant        TenantBinding
	// Empty marks a segment statically known to contribute zero rows (an
	// ACLSharedIdentifierSet table with an explicitly empty allowed set).
	// The router must return an empty Result for it without dispatching
	// to any store.
	Empty bool
}

// Pagination bounds a preview/widget request's result window.
type Pagination struct {
	Offset int
	Limit  int
}

// maxPageOffset bounds Pagination.Offset per spec.md §4.2.
const maxPageOffset = 10000

// Clamp bounds Offset into [0, maxPageOffset], per spec.md §4.2.
func (p Pagination) Clamp() Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Offset > maxPageOffset {
		p.Offset = maxPageOffset
	}
	if p.Limit < 0 {
		p.Limit = 0
	}
	return p
}

// DrillFilter is a request-time ad hoc predicate layered on top of the
// compiled graph (e.g. a dashboard click-to-filter), applied at the target
// node in addition to any filter nodes already in the graph.
type DrillFilter struct {
	Column   string
	Operator string
	Value    any
}
