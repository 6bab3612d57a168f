package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/frowell/flowforge/internal/compiler"
	"github.com/frowell/flowforge/internal/dag"
)

// Fingerprint computes the deterministic RequestFingerprint from spec.md
// §3: a hash of (tenantID, targetNodeID, topologically-sorted upstream
// configs, offset, limit, drillFilters). tenantID is baked directly into
// the digest — never appended after the fact — so two tenants requesting
// an otherwise-identical graph can never collide (spec.md §4.4 "critical
// bug class").
func Fingerprint(tenantID string, g dag.Graph, targetNodeID string, page compiler.Pagination, drillFilters []compiler.DrillFilter) (string, error) {
	idx := dag.BuildIndex(g)
	ancestors := dag.Ancestors(idx, targetNodeID)
	subset := make([]string, 0, len(ancestors)+1)
	for id := range ancestors {
		subset = append(subset, id)
	}
	subset = append(subset, targetNodeID)

	order, err := dag.TopoSort(idx, subset)
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint topo sort: %w", err)
	}

	type nodeConfig struct {
		ID     string         `json:"id"`
		Type   dag.NodeType   `json:"type"`
		Config map[string]any `json:"config"`
	}
	configs := make([]nodeConfig, len(order))
	for i, id := range order {
		n := idx.ByID[id]
		configs[i] = nodeConfig{ID: n.ID, Type: n.Type, Config: n.Config}
	}

	sortedFilters := append([]compiler.DrillFilter(nil), drillFilters...)
	sort.Slice(sortedFilters, func(i, j int) bool {
		if sortedFilters[i].Column != sortedFilters[j].Column {
			return sortedFilters[i].Column < sortedFilters[j].Column
		}
		return sortedFilters[i].Operator < sortedFilters[j].Operator
	})

	payload := struct {
		TenantID     string                 `json:"tenant_id"`
		TargetNodeID string                 `json:"target_node_id"`
		Upstream     []nodeConfig           `json:"upstream"`
		Offset       int                    `json:"offset"`
		Limit        int                    `json:"limit"`
		DrillFilters []compiler.DrillFilter `json:"drill_filters"`
	}{
		TenantID:     tenantID,
		TargetNodeID: targetNodeID,
		Upstream:     configs,
		Offset:       page.Offset,
		Limit:        page.Limit,
		DrillFilters: sortedFilters,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("cache: marshal fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
