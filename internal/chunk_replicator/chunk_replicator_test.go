package chunk_replicator

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/AnishMulay/chunkstore/internal/cluster_service/clustertest"
	"github.com/AnishMulay/chunkstore/internal/log_service/zaplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newReplicator(c *clustertest.Cluster, retries int) *DefaultChunkReplicator {
	return NewDefaultChunkReplicator(c.Registry, Options{
		Bucket:  clustertest.Bucket,
		Retries: retries,
		Backoff: time.Millisecond,
	}, zaplog.Wrap(zap.NewNop(), "test"))
}

func put(t *testing.T, c *clustertest.Cluster, node, key, data string) {
	t.Helper()
	require.NoError(t, c.Nodes[node].PutObject(context.Background(), clustertest.Bucket, key, bytes.NewReader([]byte(data)), int64(len(data))))
}

func TestVerifiedLive(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *clustertest.Cluster)
		exclude []string
		want    []string
	}{
		{name: "all holders up", setup: func(c *clustertest.Cluster) {}, want: []string{"a", "b"}},
		{name: "down node is skipped", setup: func(c *clustertest.Cluster) { c.Down("a") }, want: []string{"b"}},
		{name: "up but object lost", setup: func(c *clustertest.Cluster) { c.Nodes["b"].Drop(clustertest.Bucket, "k") }, want: []string{"a"}},
		{name: "marked up but unreachable", setup: func(c *clustertest.Cluster) { c.Nodes["a"].SetOffline(true) }, want: []string{"b"}},
		{name: "excluded", setup: func(c *clustertest.Cluster) {}, exclude: []string{"a"}, want: []string{"b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clustertest.New(t, "a", "b", "c")
			put(t, c, "a", "k", "data")
			put(t, c, "b", "k", "data")
			tt.setup(c)

			cr := newReplicator(c, 1)
			assert.Equal(t, tt.want, cr.VerifiedLive(context.Background(), "k", []string{"a", "b"}, tt.exclude...))
		})
	}
}

func TestFindSource_SalvagesFromNodeMarkedDown(t *testing.T) {
	c := clustertest.New(t, "a", "b")
	put(t, c, "a", "k", "data")
	c.Registry.SetStatus("a", false)

	cr := newReplicator(c, 1)
	src, ok := cr.FindSource(context.Background(), "k", []string{"a"})
	require.True(t, ok)
	assert.Equal(t, "a", src)

	c.Nodes["a"].SetOffline(true)
	_, ok = cr.FindSource(context.Background(), "k", []string{"a"})
	assert.False(t, ok)
}

func TestCopyObject(t *testing.T) {
	ctx := context.Background()
	c := clustertest.New(t, "a", "b")
	put(t, c, "a", "f/part_0", "payload")

	cr := newReplicator(c, 3)
	require.NoError(t, cr.CopyObject(ctx, "a", "b", "f/part_0"))

	rc, err := c.Nodes["b"].GetObject(ctx, clustertest.Bucket, "f/part_0")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(data))
}

func TestCopyObject_RetriesThenFails(t *testing.T) {
	c := clustertest.New(t, "a", "b")
	put(t, c, "a", "k", "x")
	c.Nodes["b"].SetFailPuts(true)

	cr := newReplicator(c, 3)
	start := time.Now()
	err := cr.CopyObject(context.Background(), "a", "b", "k")
	assert.ErrorIs(t, err, ErrCopyFailed)
	// backoff of 1ms then 2ms between the three attempts
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}

func TestCopyObject_UnknownNode(t *testing.T) {
	c := clustertest.New(t, "a")
	cr := newReplicator(c, 1)
	assert.ErrorIs(t, cr.CopyObject(context.Background(), "a", "zz", "k"), ErrCopyFailed)
}

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()
	c := clustertest.New(t, "a")
	cr := NewDefaultChunkReplicator(c.Registry, Options{Bucket: "fresh"}, zaplog.Wrap(zap.NewNop(), "test"))

	require.NoError(t, cr.EnsureBucket(ctx, "a"))
	ok, err := c.Nodes["a"].BucketExists(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}
