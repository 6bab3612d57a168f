package compiler

import "fmt"

// CycleDetected mirrors propagate.CycleDetected at compile time: ancestor
// isolation reached a node set that Kahn's algorithm could not fully order.
type CycleDetected struct {
	NodeIDs []string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("compiler: cycle detected among nodes %v", e.NodeIDs)
}

// UnknownNodeType is returned when a node's type has no compiler phase.
type UnknownNodeType struct {
	NodeID string
	Type   string
}

func (e *UnknownNodeType) Error() string {
	return fmt.Sprintf("compiler: node %q has unknown type %q", e.NodeID, e.Type)
}

// SchemaMismatch is returned when a union node's inputs disagree on column
// count or dtype alignment.
type SchemaMismatch struct {
	NodeID string
	Reason string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("compiler: node %q schema mismatch: %s", e.NodeID, e.Reason)
}

// CrossStoreOperation is returned when a multi-input node's inputs resolve
// to different backing stores (spec: no cross-store joins).
type CrossStoreOperation struct {
	NodeID string
	Stores []string
}

func (e *CrossStoreOperation) Error() string {
	return fmt.Sprintf("compiler: node %q combines incompatible stores %v", e.NodeID, e.Stores)
}

// InvalidOperator is returned when a filter node names an operator outside
// the recognized set. It is never silently mapped to "=".
type InvalidOperator struct {
	NodeID, Operator string
}

func (e *InvalidOperator) Error() string {
	return fmt.Sprintf("compiler: node %q uses unrecognized operator %q", e.NodeID, e.Operator)
}

// UnresolvedColumn is returned when a formula/sort/filter node references a
// column absent from its computed input schema.
type UnresolvedColumn struct {
	NodeID, Column string
}

func (e *UnresolvedColumn) Error() string {
	return fmt.Sprintf("compiler: node %q references unresolved column %q", e.NodeID, e.Column)
}

// TenantACLMissing is returned when a shared table requires an
// allowedIdentifierSet that the caller did not supply.
type TenantACLMissing struct {
	NodeID, Table string
}

func (e *TenantACLMissing) Error() string {
	return fmt.Sprintf("compiler: node %q (table %q) requires an allowed identifier set but none was supplied", e.NodeID, e.Table)
}

// InvalidIdentifier is returned when a string destined for raw
// interpolation (outside the AST, e.g. a streaming SUBSCRIBE target) fails
// the identifier regex.
type InvalidIdentifier struct {
	Identifier string
}

func (e *InvalidIdentifier) Error() string {
	return fmt.Sprintf("compiler: invalid identifier %q", e.Identifier)
}
