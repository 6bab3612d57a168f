// Package dag holds the authored-graph data model: Node, Edge and Graph.
// Nodes and edges are addressed by ID in flat slices/maps — these are
// authored graphs coming off the wire as JSON, not an in-memory object
// graph with threaded pointers — so every traversal does indexed lookup
// instead of following pointers (Design Note, spec.md §9).
package dag

// NodeType is one of the 17 supported transformation node types.
type NodeType string

const (
	NodeDataSource   NodeType = "data_source"
	NodeFilter       NodeType = "filter"
	NodeSort         NodeType = "sort"
	NodeLimit        NodeType = "limit"
	NodeSample       NodeType = "sample"
	NodeUnique       NodeType = "unique"
	NodeSelect       NodeType = "select"
	NodeRename       NodeType = "rename"
	NodeJoin         NodeType = "join"
	NodeUnion        NodeType = "union"
	NodeGroupBy      NodeType = "group_by"
	NodePivot        NodeType = "pivot"
	NodeFormula      NodeType = "formula"
	NodeWindow       NodeType = "window"
	NodeChartOutput  NodeType = "chart_output"
	NodeTableOutput  NodeType = "table_output"
	NodeKPIOutput    NodeType = "kpi_output"
)

// Node is one vertex of an authored workflow graph.
type Node struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config"`
}

// Edge is a directed dependency: Source feeds into Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is an authored DAG: a flat set of nodes and edges, addressed by ID.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Index is a flat-graph lookup structure built once per traversal: node ID
// -> Node, and adjacency in both directions. Building this once avoids
// O(V) linear scans per lookup during Kahn's algorithm and during ancestor
// isolation.
type Index struct {
	ByID     map[string]Node
	Out      map[string][]string // nodeID -> target node IDs
	In       map[string][]string // nodeID -> source node IDs
	Order    []string            // declared node order, for fallback stability
}

// BuildIndex constructs an Index from a Graph. It does not validate that
// edges reference existing nodes; callers that need that check should use
// Validate.
func BuildIndex(g Graph) Index {
	idx := Index{
		ByID: make(map[string]Node, len(g.Nodes)),
		Out:  make(map[string][]string),
		In:   make(map[string][]string),
	}
	for _, n := range g.Nodes {
		idx.ByID[n.ID] = n
		idx.Order = append(idx.Order, n.ID)
	}
	for _, e := range g.Edges {
		idx.Out[e.Source] = append(idx.Out[e.Source], e.Target)
		idx.In[e.Target] = append(idx.In[e.Target], e.Source)
	}
	return idx
}

// DanglingEdgeError reports an edge that references a node not present in
// the graph — Graph's invariant "every edge references existing nodes".
type DanglingEdgeError struct {
	Edge Edge
}

func (e *DanglingEdgeError) Error() string {
	return "dag: edge references unknown node: " + e.Edge.Source + " -> " + e.Edge.Target
}

// Validate checks the Graph invariant that every edge references a node
// present in the node set.
func Validate(g Graph) error {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return &DanglingEdgeError{Edge: e}
		}
		if _, ok := ids[e.Target]; !ok {
			return &DanglingEdgeError{Edge: e}
		}
	}
	return nil
}
