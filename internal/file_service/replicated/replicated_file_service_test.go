package replicated

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/AnishMulay/chunkstore/internal/chunk_replicator"
	"github.com/AnishMulay/chunkstore/internal/cluster_service/clustertest"
	"github.com/AnishMulay/chunkstore/internal/file_service"
	"github.com/AnishMulay/chunkstore/internal/log_service/zaplog"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service/inmemory"
	sqlitemeta "github.com/AnishMulay/chunkstore/internal/metadata_service/sqlite"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"github.com/AnishMulay/chunkstore/internal/placement_service"
	"github.com/AnishMulay/chunkstore/internal/repair_service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const mib = 1 << 20

type sliceSource struct {
	frags []file_service.Fragment
}

func (s *sliceSource) Recv() (file_service.Fragment, error) {
	if len(s.frags) == 0 {
		return file_service.Fragment{}, io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

// stream splits data into frames of frameSize with name on the first one.
func stream(name string, data []byte, frameSize int) *sliceSource {
	src := &sliceSource{}
	for off := 0; off < len(data); off += frameSize {
		end := min(off+frameSize, len(data))
		src.frags = append(src.frags, file_service.Fragment{Data: data[off:end]})
	}
	if len(src.frags) == 0 {
		src.frags = append(src.frags, file_service.Fragment{})
	}
	src.frags[0].Name = name
	return src
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

type fixture struct {
	cluster *clustertest.Cluster
	meta    metadata_service.MetadataService
	metrics *metrics.Metrics
	fs      *ReplicatedFileService
}

func newFixture(t *testing.T, rf int, chunkSize int64, ids ...string) *fixture {
	t.Helper()
	return newFixtureWithMeta(t, inmemory.NewInMemoryMetadataService(zaplog.Wrap(zap.NewNop(), "test")), rf, chunkSize, ids...)
}

func newFixtureWithMeta(t *testing.T, meta metadata_service.MetadataService, rf int, chunkSize int64, ids ...string) *fixture {
	t.Helper()
	ls := zaplog.Wrap(zap.NewNop(), "test")
	c := clustertest.New(t, ids...)
	m := metrics.NewUnregistered()
	fs := NewReplicatedFileService(meta, c.Registry, placement_service.NewRoundRobinPlacement(c.Registry, rf), Options{
		ChunkSize: chunkSize,
		Bucket:    clustertest.Bucket,
	}, m, ls)
	return &fixture{cluster: c, meta: meta, metrics: m, fs: fs}
}

func (f *fixture) download(t *testing.T, req file_service.DownloadRequest) ([]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	err := f.fs.Download(context.Background(), req, func(data []byte) error {
		buf.Write(data)
		return nil
	})
	return buf.Bytes(), err
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	f := newFixture(t, 2, 1024, "A", "B", "C")
	data := payload(5000)

	res, err := f.fs.Upload(context.Background(), stream("report.pdf", data, 700))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, int64(5000), res.Size)
	assert.Equal(t, "Uploaded report.pdf as id="+res.FileID, res.Message)

	got, err := f.download(t, file_service.DownloadRequest{Name: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	byID, err := f.download(t, file_service.DownloadRequest{FileID: res.FileID})
	require.NoError(t, err)
	assert.Equal(t, data, byID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("ok")))
	assert.Equal(t, 5000.0, testutil.ToFloat64(f.metrics.UploadBytes))
}

func TestUpload_PlacesChunksRoundRobin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 4*mib, "A", "B", "C")

	res, err := f.fs.Upload(ctx, stream("big.bin", payload(10*mib), 64*1024))
	require.NoError(t, err)

	chunks, err := f.meta.OrderedChunks(ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	want := [][]string{{"A", "B"}, {"B", "C"}, {"A", "C"}}
	sizes := []int64{4 * mib, 4 * mib, 2 * mib}
	rows := 0
	for i, c := range chunks {
		assert.Equal(t, want[i], c.Replicas, "chunk %d", i)
		assert.Equal(t, sizes[i], c.Size, "chunk %d", i)
		assert.Equal(t, ObjectKey(res.FileID, i), c.ObjectKey)
		for _, n := range c.Replicas {
			assert.True(t, f.cluster.Nodes[n].Has(clustertest.Bucket, c.ObjectKey))
		}
		rows += len(c.Replicas)
	}
	assert.Equal(t, 6, rows)
}

func TestUpload_SkipsDownNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1024, "A", "B", "C")
	f.cluster.Down("B")

	res, err := f.fs.Upload(ctx, stream("x", payload(2048), 512))
	require.NoError(t, err)

	chunks, err := f.meta.OrderedChunks(ctx, res.FileID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, []string{"A", "C"}, c.Replicas)
	}
}

func TestUpload_PartialWriteStillSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1024, "A", "B", "C")
	f.cluster.Nodes["B"].SetFailPuts(true)

	res, err := f.fs.Upload(ctx, stream("x", payload(1000), 1000))
	require.NoError(t, err)

	rows, err := f.meta.ReplicasOf(ctx, res.FileID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].NodeID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ChunkWriteFailures.WithLabelValues("B")))
}

func TestUpload_NoTargetWritesFailsFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1024, "A")
	f.cluster.Nodes["A"].SetFailPuts(true)

	_, err := f.fs.Upload(ctx, stream("x", payload(100), 100))
	assert.ErrorIs(t, err, file_service.ErrWriteFailed)

	file, err := f.meta.FileVersion(ctx, "x", 1)
	require.NoError(t, err)
	assert.Equal(t, metadata_service.StatusFailed, file.Status)

	_, err = f.fs.GetMetadata(ctx, "x", 0)
	assert.ErrorIs(t, err, file_service.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("failed")))
}

func TestUpload_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		src  *sliceSource
	}{
		{name: "empty stream", src: &sliceSource{}},
		{name: "missing name", src: stream("", payload(10), 10)},
		{name: "empty payload", src: stream("empty.txt", nil, 10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, 1024, "A")
			_, err := f.fs.Upload(context.Background(), tt.src)
			assert.ErrorIs(t, err, file_service.ErrInvalidInput)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("invalid")))
		})
	}
}

func TestUpload_VersionsIncrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1024, "A", "B")

	for i := 1; i <= 3; i++ {
		res, err := f.fs.Upload(ctx, stream("notes.txt", payload(10*i), 10))
		require.NoError(t, err)
		assert.Equal(t, i, res.Version)
	}

	versions, err := f.fs.ListVersions(ctx, "notes.txt")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{versions[0].Version, versions[1].Version, versions[2].Version})

	meta, err := f.fs.GetMetadata(ctx, "notes.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), meta.Size)

	latest, err := f.fs.GetMetadata(ctx, "notes.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	old, err := f.download(t, file_service.DownloadRequest{Name: "notes.txt", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, payload(10), old)

	files, err := f.fs.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 3, files[0].LatestVersion)
}

func TestDownload_FallsBackToNextReplica(t *testing.T) {
	f := newFixture(t, 2, 1024, "A", "B")
	data := payload(3000)
	_, err := f.fs.Upload(context.Background(), stream("x", data, 3000))
	require.NoError(t, err)

	// A stops answering before the monitor notices.
	f.cluster.Nodes["A"].SetOffline(true)

	got, err := f.download(t, file_service.DownloadRequest{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownload_ChunkWithNoLiveReplica(t *testing.T) {
	f := newFixture(t, 1, 1024, "A", "B")
	data := payload(2048)
	_, err := f.fs.Upload(context.Background(), stream("x", data, 2048))
	require.NoError(t, err)

	f.cluster.Down("B")

	got, err := f.download(t, file_service.DownloadRequest{Name: "x"})
	assert.ErrorIs(t, err, file_service.ErrDataUnavailable)
	assert.Equal(t, data[:1024], got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Downloads.WithLabelValues("unavailable")))
}

func TestDownload_Resolve(t *testing.T) {
	f := newFixture(t, 1, 1024, "A")
	_, err := f.fs.Upload(context.Background(), stream("x", payload(10), 10))
	require.NoError(t, err)

	tests := []struct {
		name string
		req  file_service.DownloadRequest
		want error
	}{
		{name: "no selector", req: file_service.DownloadRequest{}, want: file_service.ErrInvalidInput},
		{name: "unknown name", req: file_service.DownloadRequest{Name: "nope"}, want: file_service.ErrNotFound},
		{name: "unknown id", req: file_service.DownloadRequest{FileID: "nope"}, want: file_service.ErrNotFound},
		{name: "unknown version", req: file_service.DownloadRequest{Name: "x", Version: 9}, want: file_service.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.download(t, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDownload_StreamsInFrames(t *testing.T) {
	f := newFixture(t, 1, 1024, "A")
	f.fs.opts.FrameSize = 300
	_, err := f.fs.Upload(context.Background(), stream("x", payload(1024), 1024))
	require.NoError(t, err)

	var frames []int
	err = f.fs.Download(context.Background(), file_service.DownloadRequest{Name: "x"}, func(data []byte) error {
		frames = append(frames, len(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{300, 300, 300, 124}, frames)
}

// cancelingSource delivers its first fragment, then cancels the upload as a
// client disconnect would.
type cancelingSource struct {
	first  file_service.Fragment
	sent   bool
	cancel context.CancelFunc
}

func (s *cancelingSource) Recv() (file_service.Fragment, error) {
	if !s.sent {
		s.sent = true
		return s.first, nil
	}
	s.cancel()
	return file_service.Fragment{}, context.Canceled
}

func TestUpload_CanceledMidStreamMarksFailed(t *testing.T) {
	ls := zaplog.Wrap(zap.NewNop(), "test")
	meta, err := sqlitemeta.NewSQLiteMetadataService(filepath.Join(t.TempDir(), "meta.db"), ls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	f := newFixtureWithMeta(t, meta, 1, 1024, "A")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancelingSource{first: file_service.Fragment{Name: "x", Data: payload(1024)}, cancel: cancel}

	_, err = f.fs.Upload(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	file, err := f.meta.FileVersion(bg, "x", 1)
	require.NoError(t, err)
	assert.Equal(t, metadata_service.StatusFailed, file.Status)

	_, err = f.meta.LatestFile(bg, "x")
	assert.ErrorIs(t, err, metadata_service.ErrFileNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("failed")))
}

func TestDownload_DataLossAfterRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 4, "a", "b")
	res, err := f.fs.Upload(ctx, stream("x", payload(8), 8))
	require.NoError(t, err)

	chunks, err := f.meta.OrderedChunks(ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, []string{"b"}, chunks[1].Replicas)

	// The only copy of the trailing chunk is on b, so repair drops its row.
	f.cluster.Down("b")
	ls := zaplog.Wrap(zap.NewNop(), "test")
	replicator := chunk_replicator.NewDefaultChunkReplicator(f.cluster.Registry, chunk_replicator.Options{
		Bucket: clustertest.Bucket, Retries: 1, Backoff: time.Millisecond,
	}, ls)
	repair := repair_service.NewRepairService(f.meta, f.cluster.Registry, replicator, 1, f.metrics, ls)
	require.NoError(t, repair.HandleNodeDown(ctx, "b"))
	f.cluster.Up("b")

	chunks, err = f.meta.OrderedChunks(ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	got, err := f.download(t, file_service.DownloadRequest{FileID: res.FileID})
	assert.ErrorIs(t, err, file_service.ErrDataUnavailable)
	assert.Empty(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Downloads.WithLabelValues("unavailable")))
}

func TestDownload_RowsShortOfFileSize(t *testing.T) {
	tests := []struct {
		name string
		drop []int
	}{
		{name: "trailing chunk lost", drop: []int{2}},
		{name: "every chunk lost", drop: []int{0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 2, 4, "A", "B")
			res, err := f.fs.Upload(ctx, stream("x", payload(10), 10))
			require.NoError(t, err)

			for _, idx := range tt.drop {
				for _, n := range []string{"A", "B"} {
					require.NoError(t, f.meta.DeleteReplica(ctx, res.FileID, idx, n))
				}
			}

			got, err := f.download(t, file_service.DownloadRequest{Name: "x"})
			assert.ErrorIs(t, err, file_service.ErrDataUnavailable)
			assert.Empty(t, got)
		})
	}
}
