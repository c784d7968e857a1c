package cluster_service

import (
	"sync/atomic"

	"github.com/AnishMulay/chunkstore/internal/object_node"
)

type Node struct {
	ID     string
	Client object_node.ObjectNode
}

// ClusterService is the read side of node health. Reads are plain in-memory
// lookups of the last probe outcome and may be stale.
type ClusterService interface {
	Nodes() []Node
	Node(id string) (Node, bool)
	IsUp(id string) bool
	LiveNodes() []Node
}

// Registry holds the configured nodes in a fixed order and their UP/DOWN
// vector. The vector is replaced as a whole on every change so readers never
// wait on the monitor.
type Registry struct {
	nodes  []Node
	index  map[string]int
	status atomic.Pointer[[]bool]
}

// NewRegistry starts with every node UP.
func NewRegistry(nodes []Node) *Registry {
	r := &Registry{
		nodes: append([]Node(nil), nodes...),
		index: make(map[string]int, len(nodes)),
	}
	up := make([]bool, len(nodes))
	for i, n := range nodes {
		r.index[n.ID] = i
		up[i] = true
	}
	r.status.Store(&up)
	return r
}

func (r *Registry) Nodes() []Node {
	return append([]Node(nil), r.nodes...)
}

func (r *Registry) Node(id string) (Node, bool) {
	i, ok := r.index[id]
	if !ok {
		return Node{}, false
	}
	return r.nodes[i], true
}

func (r *Registry) IsUp(id string) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	return (*r.status.Load())[i]
}

func (r *Registry) LiveNodes() []Node {
	up := *r.status.Load()
	live := make([]Node, 0, len(r.nodes))
	for i, n := range r.nodes {
		if up[i] {
			live = append(live, n)
		}
	}
	return live
}

// SetStatus records a probe outcome and reports whether it changed the
// node's state. Unknown ids are ignored.
func (r *Registry) SetStatus(id string, up bool) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	for {
		cur := r.status.Load()
		if (*cur)[i] == up {
			return false
		}
		next := append([]bool(nil), (*cur)...)
		next[i] = up
		if r.status.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

var _ ClusterService = (*Registry)(nil)
