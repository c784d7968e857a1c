package inmemory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/AnishMulay/chunkstore/internal/object_node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryObjectNode_OfflineKeepsData(t *testing.T) {
	ctx := context.Background()
	n := NewInMemoryObjectNode("mem://a")
	require.NoError(t, n.MakeBucket(ctx, "files"))
	require.NoError(t, n.PutObject(ctx, "files", "f/part_0", bytes.NewReader([]byte("abc")), 3))

	n.SetOffline(true)
	_, err := n.ListBuckets(ctx)
	assert.ErrorIs(t, err, object_node.ErrNodeUnreachable)
	_, err = n.StatObject(ctx, "files", "f/part_0")
	assert.ErrorIs(t, err, object_node.ErrNodeUnreachable)
	assert.True(t, n.Has("files", "f/part_0"))

	n.SetOffline(false)
	rc, err := n.GetObject(ctx, "files", "f/part_0")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, int64(1), n.Puts())
}

func TestInMemoryObjectNode_FailPuts(t *testing.T) {
	ctx := context.Background()
	n := NewInMemoryObjectNode("mem://a")
	require.NoError(t, n.MakeBucket(ctx, "files"))

	n.SetFailPuts(true)
	err := n.PutObject(ctx, "files", "k", bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, ErrInjected)
	assert.False(t, n.Has("files", "k"))
}
