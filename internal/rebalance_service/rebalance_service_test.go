package rebalance_service

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AnishMulay/chunkstore/internal/chunk_replicator"
	"github.com/AnishMulay/chunkstore/internal/cluster_service/clustertest"
	"github.com/AnishMulay/chunkstore/internal/log_service/zaplog"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service/inmemory"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	cluster   *clustertest.Cluster
	meta      metadata_service.MetadataService
	metrics   *metrics.Metrics
	rebalance *RebalanceService
	fileID    string
}

func newFixture(t *testing.T, rf int, ids ...string) *fixture {
	t.Helper()
	ls := zaplog.Wrap(zap.NewNop(), "test")
	c := clustertest.New(t, ids...)
	meta := inmemory.NewInMemoryMetadataService(ls)
	f, err := meta.CreateFile(context.Background(), "F")
	require.NoError(t, err)

	m := metrics.NewUnregistered()
	replicator := chunk_replicator.NewDefaultChunkReplicator(c.Registry, chunk_replicator.Options{
		Bucket: clustertest.Bucket, Retries: 1, Backoff: time.Millisecond,
	}, ls)
	return &fixture{
		cluster:   c,
		meta:      meta,
		metrics:   m,
		rebalance: NewRebalanceService(meta, c.Registry, replicator, rf, m, ls),
		fileID:    f.ID,
	}
}

func (f *fixture) key(chunk int) string {
	return fmt.Sprintf("%s/part_%d", f.fileID, chunk)
}

func (f *fixture) place(t *testing.T, chunk int, nodes ...string) {
	t.Helper()
	ctx := context.Background()
	for _, n := range nodes {
		require.NoError(t, f.cluster.Nodes[n].PutObject(ctx, clustertest.Bucket, f.key(chunk), bytes.NewReader([]byte("chunk")), 5))
		require.NoError(t, f.meta.RecordReplica(ctx, metadata_service.ChunkReplica{
			FileID: f.fileID, ChunkIndex: chunk, Size: 5, ObjectKey: f.key(chunk), NodeID: n,
		}))
	}
}

func (f *fixture) counts(t *testing.T) map[string]int {
	t.Helper()
	counts, err := f.meta.ReplicaCountsByNode(context.Background())
	require.NoError(t, err)
	return counts
}

func TestHandleNodeUp_RaisesLoadAndTrims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "A", "B", "C")
	for chunk := 0; chunk < 6; chunk++ {
		f.place(t, chunk, "A", "B")
	}

	require.NoError(t, f.rebalance.HandleNodeUp(ctx, "C"))

	assert.Equal(t, map[string]int{"A": 4, "B": 4, "C": 4}, f.counts(t))
	chunks, err := f.meta.AllChunks(ctx)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Len(t, c.Replicas, 2, "chunk %d", c.ChunkIndex)
		for _, n := range c.Replicas {
			assert.True(t, f.cluster.Nodes[n].Has(clustertest.Bucket, c.ObjectKey), "row without object on %s", n)
		}
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.RebalanceCopies))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.TrimmedReplicas))
}

func TestHandleNodeUp_ConvergesOverRepeatedRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "A", "B", "C", "D")
	for chunk := 0; chunk < 10; chunk++ {
		f.place(t, chunk, "A", "B")
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.rebalance.HandleNodeUp(ctx, "C"))
		require.NoError(t, f.rebalance.HandleNodeUp(ctx, "D"))
	}

	counts := f.counts(t)
	assert.Equal(t, 20, counts["A"]+counts["B"]+counts["C"]+counts["D"])
	assert.GreaterOrEqual(t, counts["C"], 4)
	assert.GreaterOrEqual(t, counts["D"], 4)

	chunks, err := f.meta.AllChunks(ctx)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Len(t, c.Replicas, 2)
	}
}

func TestHandleNodeUp_CreatesBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "A", "B")
	fresh := f.rebalance
	fresh.replicator = chunk_replicator.NewDefaultChunkReplicator(f.cluster.Registry, chunk_replicator.Options{Bucket: "other"}, zaplog.Wrap(zap.NewNop(), "test"))

	require.NoError(t, fresh.HandleNodeUp(ctx, "B"))
	ok, err := f.cluster.Nodes["B"].BucketExists(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleNodeUp_SkipsChunksWithoutVerifiedSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "A", "B", "C")
	f.place(t, 0, "A", "B")
	f.place(t, 1, "A", "B")
	f.cluster.Nodes["A"].Drop(clustertest.Bucket, f.key(0))
	f.cluster.Nodes["B"].Drop(clustertest.Bucket, f.key(0))

	require.NoError(t, f.rebalance.HandleNodeUp(ctx, "C"))
	assert.False(t, f.cluster.Nodes["C"].Has(clustertest.Bucket, f.key(0)))
	assert.True(t, f.cluster.Nodes["C"].Has(clustertest.Bucket, f.key(1)))
}

func TestTrim_KeepsVerifiedFloor(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  []string
	}{
		{
			name:  "unverified row is the one removed",
			setup: func(f *fixture) { f.cluster.Nodes["A"].Drop(clustertest.Bucket, f.key(0)) },
			want:  []string{"B", "C"},
		},
		{
			name:  "down node row is removed",
			setup: func(f *fixture) { f.cluster.Down("C") },
			want:  []string{"A", "B"},
		},
		{
			name: "nothing removed when too few verified copies",
			setup: func(f *fixture) {
				f.cluster.Nodes["A"].Drop(clustertest.Bucket, f.key(0))
				f.cluster.Nodes["B"].Drop(clustertest.Bucket, f.key(0))
			},
			want: []string{"A", "B", "C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2, "A", "B", "C")
			f.place(t, 0, "A", "B", "C")
			tt.setup(f)

			require.NoError(t, f.rebalance.Trim(context.Background()))
			rows, err := f.meta.ReplicasOf(context.Background(), f.fileID, 0)
			require.NoError(t, err)
			var got []string
			for _, r := range rows {
				got = append(got, r.NodeID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByLoad(t *testing.T) {
	counts := map[string]int{"a": 2, "b": 5, "c": 5, "d": 1}
	assert.Equal(t, []string{"b", "c", "a", "d"}, byLoad([]string{"d", "c", "a", "b"}, counts))
}
