package dag

import "sort"

// CycleError reports that a topological sort could not visit every node —
// the subset of node IDs never reached forms (or lies within) a cycle.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return "dag: cycle detected among nodes: " + joinIDs(e.Remaining)
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// TopoSort performs Kahn's algorithm over idx, restricted to the given
// subset of node IDs (nil means "all nodes in idx"). Ties among nodes with
// equal in-degree are broken by node ID so the Schema Propagation Engine and
// the Workflow Compiler produce byte-identical traversal order from the same
// graph (Design Note, spec.md §9: "Duplicate topological sort").
//
// Restricting to a subset only considers edges whose both endpoints are in
// the subset — this is what lets the compiler call TopoSort on
// ancestors(target) ∪ {target} without first materializing a sub-Graph.
func TopoSort(idx Index, subset []string) ([]string, error) {
	var nodes []string
	inSubset := map[string]struct{}{}
	if subset == nil {
		nodes = append(nodes, idx.Order...)
		for _, id := range idx.Order {
			inSubset[id] = struct{}{}
		}
	} else {
		nodes = append(nodes, subset...)
		for _, id := range subset {
			inSubset[id] = struct{}{}
		}
	}

	inDegree := make(map[string]int, len(nodes))
	for _, id := range nodes {
		inDegree[id] = 0
	}
	for _, id := range nodes {
		for _, src := range idx.In[id] {
			if _, ok := inSubset[src]; ok {
				inDegree[id]++
			}
		}
	}

	var ready []string
	for _, id := range nodes {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var newlyReady []string
		for _, dst := range idx.Out[next] {
			if _, ok := inSubset[dst]; !ok {
				continue
			}
			inDegree[dst]--
			if inDegree[dst] == 0 {
				newlyReady = append(newlyReady, dst)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
	}

	if len(order) < len(nodes) {
		visited := make(map[string]struct{}, len(order))
		for _, id := range order {
			visited[id] = struct{}{}
		}
		var remaining []string
		for _, id := range nodes {
			if _, ok := visited[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}

	return order, nil
}

// Ancestors returns the set of node IDs reachable by walking inbound edges
// from target, not including target itself.
func Ancestors(idx Index, target string) map[string]struct{} {
	visited := make(map[string]struct{})
	var walk func(id string)
	walk = func(id string) {
		for _, src := range idx.In[id] {
			if _, ok := visited[src]; ok {
				continue
			}
			visited[src] = struct{}{}
			walk(src)
		}
	}
	walk(target)
	return visited
}
