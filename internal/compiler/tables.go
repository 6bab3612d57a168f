package compiler

import "github.com/frowell/flowforge/internal/dag"

// TablesForTarget returns the distinct table names of every data_source
// node feeding targetNodeID (ancestors plus the target itself, if it is
// itself a data_source). It is used for cache-fingerprint-to-table
// bookkeeping and fan-out dependency tracking (spec.md §4.4 step 3: "by
// table name match at minimum"), not for SQL generation — so it does not
// require a Catalog.
func TablesForTarget(g dag.Graph, targetNodeID string) []string {
	idx := dag.BuildIndex(g)
	ancestors := dag.Ancestors(idx, targetNodeID)
	ancestors[targetNodeID] = struct{}{}

	seen := make(map[string]struct{})
	var out []string
	for id := range ancestors {
		node, ok := idx.ByID[id]
		if !ok || node.Type != dag.NodeDataSource {
			continue
		}
		table, _ := node.Config["table"].(string)
		if table == "" {
			continue
		}
		if _, dup := seen[table]; dup {
			continue
		}
		seen[table] = struct{}{}
		out = append(out, table)
	}
	return out
}
