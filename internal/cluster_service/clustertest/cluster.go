// Package clustertest builds registries of in-memory storage nodes for tests.
package clustertest

import (
	"context"
	"testing"

	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/object_node/inmemory"
	"github.com/stretchr/testify/require"
)

const Bucket = "files"

type Cluster struct {
	Registry *cluster_service.Registry
	Nodes    map[string]*inmemory.InMemoryObjectNode
	IDs      []string
}

// New returns a cluster whose nodes already have Bucket.
func New(t *testing.T, ids ...string) *Cluster {
	t.Helper()
	c := &Cluster{Nodes: make(map[string]*inmemory.InMemoryObjectNode), IDs: ids}
	var nodes []cluster_service.Node
	for _, id := range ids {
		n := inmemory.NewInMemoryObjectNode("mem://" + id)
		require.NoError(t, n.MakeBucket(context.Background(), Bucket))
		c.Nodes[id] = n
		nodes = append(nodes, cluster_service.Node{ID: id, Client: n})
	}
	c.Registry = cluster_service.NewRegistry(nodes)
	return c
}

// Down takes a node offline and marks it DOWN, as the monitor would.
func (c *Cluster) Down(id string) {
	c.Nodes[id].SetOffline(true)
	c.Registry.SetStatus(id, false)
}

func (c *Cluster) Up(id string) {
	c.Nodes[id].SetOffline(false)
	c.Registry.SetStatus(id, true)
}
