package coordinator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	chunklib "github.com/AnishMulay/chunkstore/clients/library"
	"github.com/AnishMulay/chunkstore/internal/config"
	memnode "github.com/AnishMulay/chunkstore/internal/object_node/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.ChunkSize = 1024
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.RepairBackoff = time.Millisecond
	cfg.MetadataPath = filepath.Join(t.TempDir(), "meta.db")
	cfg.LogLevel = "ERROR"
	cfg.Nodes = []config.NodeConfig{
		{ID: "node-0", Backend: config.BackendInMemory},
		{ID: "node-1", Backend: config.BackendInMemory},
		{ID: "node-2", Backend: config.BackendInMemory},
	}
	return cfg
}

func startCoordinator(t *testing.T, cfg config.Config) (*Coordinator, *chunklib.Client) {
	t.Helper()
	c, err := BuildFromConfig(cfg, false)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	client, err := chunklib.NewClient(c.Address())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return c, client
}

func TestBuildFromConfig_Invalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nodes = nil
	_, err := BuildFromConfig(cfg, false)
	assert.ErrorIs(t, err, config.ErrNoNodes)
}

// openFDsTo counts this process's descriptors that point at path.
func openFDsTo(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd on this platform")
	}
	n := 0
	for _, e := range entries {
		if target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name())); err == nil && target == path {
			n++
		}
	}
	return n
}

func TestBuildFromConfig_FailureClosesLogFile(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config, blocker string)
	}{
		{name: "node setup fails", mutate: func(cfg *config.Config, blocker string) {
			cfg.Nodes = []config.NodeConfig{{ID: "disk", Backend: config.BackendLocalDisc, Dir: filepath.Join(blocker, "node")}}
		}},
		{name: "metadata open fails", mutate: func(cfg *config.Config, blocker string) {
			cfg.MetadataPath = filepath.Join(blocker, "meta.db")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			blocker := filepath.Join(dir, "blocker")
			require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

			cfg := testConfig(t)
			cfg.LogDir = filepath.Join(dir, "logs")
			tt.mutate(&cfg, blocker)

			_, err := BuildFromConfig(cfg, false)
			require.Error(t, err)

			logPath, err := filepath.EvalSymlinks(filepath.Join(cfg.LogDir, cfg.NodeID+".log"))
			require.NoError(t, err)
			assert.Zero(t, openFDsTo(t, logPath))
		})
	}
}

func TestCoordinator_UploadDownload(t *testing.T) {
	ctx := context.Background()
	_, client := startCoordinator(t, testConfig(t))

	data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 1000)
	res, err := client.Upload(ctx, "blob.bin", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)

	var out bytes.Buffer
	_, err = client.Download(ctx, chunklib.Selector{Name: "blob.bin"}, &out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestCoordinator_RepairsAfterNodeFailure(t *testing.T) {
	ctx := context.Background()
	c, client := startCoordinator(t, testConfig(t))

	data := bytes.Repeat([]byte("x"), 3000)
	res, err := client.Upload(ctx, "f", bytes.NewReader(data))
	require.NoError(t, err)

	node, ok := c.registry.Node("node-1")
	require.True(t, ok)
	node.Client.(*memnode.InMemoryObjectNode).SetOffline(true)

	assert.Eventually(t, func() bool {
		chunks, err := c.meta.OrderedChunks(ctx, res.FileID)
		if err != nil {
			return false
		}
		for _, ch := range chunks {
			if len(ch.Replicas) != 2 {
				return false
			}
			for _, id := range ch.Replicas {
				if id == "node-1" {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	var out bytes.Buffer
	_, err = client.Download(ctx, chunklib.Selector{FileID: res.FileID}, &out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}
