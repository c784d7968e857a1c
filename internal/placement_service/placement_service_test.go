package placement_service

import (
	"testing"

	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/object_node/inmemory"
	"github.com/stretchr/testify/assert"
)

func newRegistry(ids ...string) *cluster_service.Registry {
	var nodes []cluster_service.Node
	for _, id := range ids {
		nodes = append(nodes, cluster_service.Node{ID: id, Client: inmemory.NewInMemoryObjectNode("mem://" + id)})
	}
	return cluster_service.NewRegistry(nodes)
}

func TestSelectNodes(t *testing.T) {
	tests := []struct {
		name  string
		rf    int
		down  []string
		chunk int
		want  []string
	}{
		{name: "chunk 0", rf: 2, chunk: 0, want: []string{"a", "b"}},
		{name: "chunk 1", rf: 2, chunk: 1, want: []string{"b", "c"}},
		{name: "wraps around", rf: 2, chunk: 2, want: []string{"c", "a"}},
		{name: "index beyond node count", rf: 2, chunk: 4, want: []string{"b", "c"}},
		{name: "rf above live count", rf: 3, down: []string{"b"}, chunk: 0, want: []string{"a", "c"}},
		{name: "skips down node", rf: 2, down: []string{"a"}, chunk: 0, want: []string{"b", "c"}},
		{name: "no live nodes falls back to configured", rf: 2, down: []string{"a", "b", "c"}, chunk: 1, want: []string{"a", "b"}},
		{name: "rf floor of one", rf: 0, chunk: 2, want: []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry("a", "b", "c")
			for _, id := range tt.down {
				r.SetStatus(id, false)
			}
			p := NewRoundRobinPlacement(r, tt.rf)
			assert.Equal(t, tt.want, p.SelectNodes(tt.chunk))
		})
	}
}

func TestSelectNodes_Deterministic(t *testing.T) {
	p := NewRoundRobinPlacement(newRegistry("a", "b", "c", "d"), 3)
	for i := 0; i < 10; i++ {
		assert.Equal(t, p.SelectNodes(i), p.SelectNodes(i))
		assert.Len(t, p.SelectNodes(i), 3)
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name     string
		rf       int
		selected []string
		down     []string
		want     []string
	}{
		{name: "nothing changed", rf: 2, selected: []string{"a", "b"}, want: []string{"a", "b"}},
		{name: "tops up after node flips down", rf: 2, selected: []string{"a", "b"}, down: []string{"b"}, want: []string{"a", "c"}},
		{name: "short when too few healthy", rf: 2, selected: []string{"a", "b"}, down: []string{"b", "c"}, want: []string{"a"}},
		{name: "tops up a short selection", rf: 3, selected: []string{"a"}, want: []string{"a", "b", "c"}},
		{name: "keeps fallback when all down", rf: 2, selected: []string{"a", "b"}, down: []string{"a", "b", "c"}, want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry("a", "b", "c")
			for _, id := range tt.down {
				r.SetStatus(id, false)
			}
			p := NewRoundRobinPlacement(r, tt.rf)
			assert.Equal(t, tt.want, p.Refresh(tt.selected))
		})
	}
}
