// Package propagate implements the Schema Propagation Engine: given an
// authored workflow graph and a catalog to resolve data_source nodes
// against, it computes the output column schema of every node by walking
// the graph in topological order and dispatching each node's transform.
//
// It never touches the stores referenced by a graph's data_source nodes —
// only the catalog's already-loaded TableSchema entries — so propagation is
// pure and safe to run at authoring time, ahead of and independent from
// compilation.
package propagate

import (
	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/schemamodel"
)

// Propagate computes the output schema of every node in g, in topological
// order, using cat to resolve data_source nodes whose config names a
// catalog table. The returned map has one entry per node ID.
//
// Errors are the three conditions named in spec.md §4.1: CycleDetected when
// g is not a DAG, UnknownNodeType when a node's type has no transform, and
// MissingInput when a multi-input node has fewer inbound edges than its
// transform requires. A data_source whose columns cannot be resolved from
// its config or the catalog fails with a plain error.
func Propagate(g dag.Graph, cat CatalogLookup) (map[string][]schemamodel.ColumnSchema, error) {
	idx := dag.BuildIndex(g)

	order, err := dag.TopoSort(idx, nil)
	if err != nil {
		if cycleErr, ok := err.(*dag.CycleError); ok {
			return nil, &CycleDetected{NodeIDs: cycleErr.Remaining}
		}
		return nil, err
	}

	schemas := make(map[string][]schemamodel.ColumnSchema, len(order))
	for _, nodeID := range order {
		node := idx.ByID[nodeID]

		inputs := make([][]schemamodel.ColumnSchema, 0, len(idx.In[nodeID]))
		for _, srcID := range idx.In[nodeID] {
			inputs = append(inputs, schemas[srcID])
		}

		out, err := dispatch(nodeID, node.Type, node.Config, inputs, cat)
		if err != nil {
			return nil, err
		}
		schemas[nodeID] = out
	}

	return schemas, nil
}
