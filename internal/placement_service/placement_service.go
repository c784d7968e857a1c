package placement_service

import (
	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"golang.org/x/exp/slices"
)

type PlacementService interface {
	SelectNodes(chunkIndex int) []string
	Refresh(selected []string) []string
}

// RoundRobinPlacement spreads chunk i over the live nodes starting at
// i mod live, in configured node order.
type RoundRobinPlacement struct {
	cluster           cluster_service.ClusterService
	replicationFactor int
}

func NewRoundRobinPlacement(cluster cluster_service.ClusterService, replicationFactor int) *RoundRobinPlacement {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	return &RoundRobinPlacement{cluster: cluster, replicationFactor: replicationFactor}
}

// SelectNodes returns min(rf, live) node ids. With no live node it falls back
// to the first configured nodes so the write attempt still happens.
func (p *RoundRobinPlacement) SelectNodes(chunkIndex int) []string {
	live := p.cluster.LiveNodes()
	if len(live) == 0 {
		all := p.cluster.Nodes()
		n := min(p.replicationFactor, len(all))
		ids := make([]string, 0, n)
		for _, node := range all[:n] {
			ids = append(ids, node.ID)
		}
		return ids
	}

	n := min(p.replicationFactor, len(live))
	start := chunkIndex % len(live)
	if start < 0 {
		start += len(live)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, live[(start+i)%len(live)].ID)
	}
	return ids
}

// Refresh re-reads health right before a write: nodes that went DOWN since
// selection are dropped and the set is topped up from healthy nodes not yet
// chosen, up to min(rf, configured nodes).
func (p *RoundRobinPlacement) Refresh(selected []string) []string {
	want := min(p.replicationFactor, len(p.cluster.Nodes()))

	out := make([]string, 0, want)
	for _, id := range selected {
		if p.cluster.IsUp(id) {
			out = append(out, id)
		}
	}
	for _, node := range p.cluster.LiveNodes() {
		if len(out) >= want {
			break
		}
		if !slices.Contains(out, node.ID) {
			out = append(out, node.ID)
		}
	}
	if len(out) == 0 {
		// Nothing is known healthy; keep the fallback targets.
		return selected
	}
	return out
}

var _ PlacementService = (*RoundRobinPlacement)(nil)
