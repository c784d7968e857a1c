package chunklib

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/AnishMulay/chunkstore/internal/cluster_service/clustertest"
	grpccomm "github.com/AnishMulay/chunkstore/internal/communication/grpc"
	"github.com/AnishMulay/chunkstore/internal/file_service/replicated"
	"github.com/AnishMulay/chunkstore/internal/log_service/zaplog"
	"github.com/AnishMulay/chunkstore/internal/metadata_service/inmemory"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"github.com/AnishMulay/chunkstore/internal/placement_service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ls := zaplog.Wrap(zap.NewNop(), "test")
	c := clustertest.New(t, "A", "B", "C")
	fs := replicated.NewReplicatedFileService(
		inmemory.NewInMemoryMetadataService(ls),
		c.Registry,
		placement_service.NewRoundRobinPlacement(c.Registry, 2),
		replicated.Options{ChunkSize: 4096, Bucket: clustertest.Bucket},
		metrics.NewUnregistered(),
		ls,
	)

	lis := bufconn.Listen(1 << 20)
	srv := grpccomm.NewGRPCServer("bufnet", fs, ls)
	go srv.Serve(lis)
	t.Cleanup(func() { _ = srv.Stop() })

	client, err := NewClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_UploadDownload(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	client.FrameSize = 1000

	data := bytes.Repeat([]byte("chunkstore"), 1500)
	res, err := client.Upload(ctx, "notes.txt", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, int64(len(data)), res.Size)

	var out bytes.Buffer
	n, err := client.Download(ctx, Selector{Name: "notes.txt"}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())

	out.Reset()
	_, err = client.Download(ctx, Selector{FileID: res.FileID}, &out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestClient_Versions(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	for _, body := range []string{"one", "two", "three"} {
		_, err := client.Upload(ctx, "v.txt", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
	}

	versions, err := client.ListVersions(ctx, "v.txt")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, int64(3), versions[0].Version)

	meta, err := client.GetMetadata(ctx, "v.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Size)

	var out bytes.Buffer
	_, err = client.Download(ctx, Selector{Name: "v.txt", Version: 1}, &out)
	require.NoError(t, err)
	assert.Equal(t, "one", out.String())

	files, err := client.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(3), files[0].LatestVersion)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.Upload(ctx, "empty.txt", bytes.NewReader(nil))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Download(ctx, Selector{Name: "missing"}, &bytes.Buffer{})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetMetadata(ctx, "missing", 0)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
