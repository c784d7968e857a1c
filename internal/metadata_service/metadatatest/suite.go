// Package metadatatest holds the behaviour every MetadataService
// implementation must share. Implementations call RunStoreSuite from their
// own tests.
package metadatatest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) metadata_service.MetadataService

func RunStoreSuite(t *testing.T, newStore Factory) {
	t.Run("versions increase per name", func(t *testing.T) { testVersions(t, newStore(t)) })
	t.Run("latest skips unfinished versions", func(t *testing.T) { testLatestSkipsUnfinished(t, newStore(t)) })
	t.Run("lookups of unknown files", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("record replica is idempotent", func(t *testing.T) { testRecordIdempotent(t, newStore(t)) })
	t.Run("ordered chunks and replica order", func(t *testing.T) { testOrderedChunks(t, newStore(t)) })
	t.Run("delete replica", func(t *testing.T) { testDeleteReplica(t, newStore(t)) })
	t.Run("chunks missing from node", func(t *testing.T) { testChunksMissingFromNode(t, newStore(t)) })
	t.Run("list files", func(t *testing.T) { testListFiles(t, newStore(t)) })
	t.Run("counts", func(t *testing.T) { testCounts(t, newStore(t)) })
	t.Run("concurrent replica inserts", func(t *testing.T) { testConcurrentReplicas(t, newStore(t)) })
	t.Run("concurrent version allocation", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func completeFile(t *testing.T, ms metadata_service.MetadataService, name string, size int64) metadata_service.File {
	t.Helper()
	ctx := context.Background()
	f, err := ms.CreateFile(ctx, name)
	require.NoError(t, err)
	require.NoError(t, ms.FinalizeFile(ctx, f.ID, size, time.Now()))
	f, err = ms.FileByID(ctx, f.ID)
	require.NoError(t, err)
	return f
}

func replica(fileID string, index int, node string) metadata_service.ChunkReplica {
	return metadata_service.ChunkReplica{
		FileID:     fileID,
		ChunkIndex: index,
		Size:       10,
		ObjectKey:  fmt.Sprintf("%s/part_%d", fileID, index),
		NodeID:     node,
	}
}

func testVersions(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	first := completeFile(t, ms, "report.pdf", 100)
	second := completeFile(t, ms, "report.pdf", 200)
	other := completeFile(t, ms, "notes.txt", 5)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 1, other.Version)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := ms.LatestFile(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, int64(200), latest.Size)
	assert.Equal(t, metadata_service.StatusComplete, latest.Status)

	v1, err := ms.FileVersion(ctx, "report.pdf", 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, v1.ID)

	versions, err := ms.ListVersions(ctx, "report.pdf")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)

	_, err = ms.CreateFile(ctx, "")
	assert.ErrorIs(t, err, metadata_service.ErrInvalidFileName)
}

func testLatestSkipsUnfinished(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	done := completeFile(t, ms, "a.bin", 1)

	failed, err := ms.CreateFile(ctx, "a.bin")
	require.NoError(t, err)
	require.NoError(t, ms.FailFile(ctx, failed.ID))

	pending, err := ms.CreateFile(ctx, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, 3, pending.Version)
	assert.Equal(t, metadata_service.StatusPending, pending.Status)

	latest, err := ms.LatestFile(ctx, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, done.ID, latest.ID)

	got, err := ms.FileByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata_service.StatusFailed, got.Status)

	versions, err := ms.ListVersions(ctx, "a.bin")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	_, err = ms.LatestFile(ctx, "only-pending")
	assert.ErrorIs(t, err, metadata_service.ErrFileNotFound)
}

func testNotFound(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	tests := []struct {
		name string
		call func() error
	}{
		{name: "by id", call: func() error { _, err := ms.FileByID(ctx, "missing"); return err }},
		{name: "latest", call: func() error { _, err := ms.LatestFile(ctx, "missing"); return err }},
		{name: "version", call: func() error { _, err := ms.FileVersion(ctx, "missing", 1); return err }},
		{name: "finalize", call: func() error { return ms.FinalizeFile(ctx, "missing", 1, time.Now()) }},
		{name: "fail", call: func() error { return ms.FailFile(ctx, "missing") }},
		{name: "replica for unknown file", call: func() error { return ms.RecordReplica(ctx, replica("missing", 0, "a")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), metadata_service.ErrFileNotFound)
		})
	}
}

func testRecordIdempotent(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	f := completeFile(t, ms, "x", 10)

	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-a")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-a")))

	rows, err := ms.ReplicasOf(ctx, f.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testOrderedChunks(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	f := completeFile(t, ms, "x", 30)

	for _, r := range []metadata_service.ChunkReplica{
		replica(f.ID, 2, "node-b"),
		replica(f.ID, 0, "node-c"),
		replica(f.ID, 1, "node-a"),
		replica(f.ID, 0, "node-a"),
	} {
		require.NoError(t, ms.RecordReplica(ctx, r))
	}

	rows, err := ms.ReplicasOf(ctx, f.ID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "node-a", rows[0].NodeID)
	assert.Equal(t, "node-c", rows[1].NodeID)

	chunks, err := ms.OrderedChunks(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, fmt.Sprintf("%s/part_%d", f.ID, i), c.ObjectKey)
	}
	assert.Equal(t, []string{"node-a", "node-c"}, chunks[0].Replicas)

	onA, err := ms.ChunksOnNode(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, onA, 2)
	assert.Equal(t, 0, onA[0].ChunkIndex)
	assert.Equal(t, 1, onA[1].ChunkIndex)
}

func testDeleteReplica(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	f := completeFile(t, ms, "x", 10)
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-a")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-b")))

	require.NoError(t, ms.DeleteReplica(ctx, f.ID, 0, "node-a"))
	require.NoError(t, ms.DeleteReplica(ctx, f.ID, 0, "node-a"))

	rows, err := ms.ReplicasOf(ctx, f.ID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "node-b", rows[0].NodeID)
}

func testChunksMissingFromNode(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	f := completeFile(t, ms, "x", 30)
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-a")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-c")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 1, "node-a")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 1, "node-b")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 2, "node-b")))

	missing, err := ms.ChunksMissingFromNode(ctx, "node-c")
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, 1, missing[0].ChunkIndex)
	assert.Equal(t, []string{"node-a", "node-b"}, missing[0].Replicas)
	assert.Equal(t, 2, missing[1].ChunkIndex)

	missing, err = ms.ChunksMissingFromNode(ctx, "node-z")
	require.NoError(t, err)
	assert.Len(t, missing, 3)

	all, err := ms.AllChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testListFiles(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	old := completeFile(t, ms, "b.txt", 1)
	require.NoError(t, ms.RecordReplica(ctx, replica(old.ID, 0, "node-a")))

	latest := completeFile(t, ms, "b.txt", 25)
	require.NoError(t, ms.RecordReplica(ctx, replica(latest.ID, 0, "node-a")))
	require.NoError(t, ms.RecordReplica(ctx, replica(latest.ID, 0, "node-b")))
	require.NoError(t, ms.RecordReplica(ctx, replica(latest.ID, 1, "node-a")))

	completeFile(t, ms, "a.txt", 3)

	unfinished, err := ms.CreateFile(ctx, "c.txt")
	require.NoError(t, err)
	require.NoError(t, ms.FailFile(ctx, unfinished.ID))

	files, err := ms.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Name)
	assert.Equal(t, "b.txt", files[1].Name)
	assert.Equal(t, 2, files[1].LatestVersion)
	assert.Equal(t, latest.ID, files[1].FileID)
	assert.Equal(t, int64(25), files[1].Size)
	assert.Equal(t, 2, files[1].ChunkCount)
}

func testCounts(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	f := completeFile(t, ms, "x", 30)
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-a")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 0, "node-b")))
	require.NoError(t, ms.RecordReplica(ctx, replica(f.ID, 1, "node-a")))

	total, err := ms.ReplicaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	counts, err := ms.ReplicaCountsByNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"node-a": 2, "node-b": 1}, counts)
}

func testConcurrentReplicas(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()
	f := completeFile(t, ms, "parallel", 0)

	const chunks = 16
	var wg sync.WaitGroup
	errs := make(chan error, chunks*2)
	for i := 0; i < chunks; i++ {
		for _, node := range []string{"node-a", "node-b"} {
			wg.Add(1)
			go func(index int, node string) {
				defer wg.Done()
				errs <- ms.RecordReplica(ctx, replica(f.ID, index, node))
			}(i, node)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total, err := ms.ReplicaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunks*2, total)

	refs, err := ms.OrderedChunks(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, refs, chunks)
}

func testConcurrentCreate(t *testing.T, ms metadata_service.MetadataService) {
	ctx := context.Background()

	const uploads = 8
	var wg sync.WaitGroup
	versions := make(chan int, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := ms.CreateFile(ctx, "same-name")
			if assert.NoError(t, err) {
				versions <- f.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, uploads)
}
