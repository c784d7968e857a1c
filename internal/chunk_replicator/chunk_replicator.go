package chunk_replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/object_node"
	"golang.org/x/exp/slices"
)

var (
	ErrUnknownNode = errors.New("unknown storage node")
	ErrCopyFailed  = errors.New("object copy failed")
)

// ChunkReplicator moves chunk objects between storage nodes. Repair and
// rebalance use it; it never touches metadata.
type ChunkReplicator interface {
	ObjectExists(ctx context.Context, nodeID, key string) bool
	VerifiedLive(ctx context.Context, key string, replicas []string, exclude ...string) []string
	FindSource(ctx context.Context, key string, replicas []string) (string, bool)
	CopyObject(ctx context.Context, srcID, dstID, key string) error
	EnsureBucket(ctx context.Context, nodeID string) error
}

type Options struct {
	Bucket  string
	Retries int
	Backoff time.Duration
}

type DefaultChunkReplicator struct {
	clusterService cluster_service.ClusterService
	opts           Options
	ls             log_service.LogService
}

func NewDefaultChunkReplicator(clusterService cluster_service.ClusterService, opts Options, ls log_service.LogService) *DefaultChunkReplicator {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	return &DefaultChunkReplicator{
		clusterService: clusterService,
		opts:           opts,
		ls:             ls,
	}
}

func (cr *DefaultChunkReplicator) client(nodeID string) (object_node.ObjectNode, error) {
	node, ok := cr.clusterService.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return node.Client, nil
}

// ObjectExists stats the object regardless of the node's health status.
func (cr *DefaultChunkReplicator) ObjectExists(ctx context.Context, nodeID, key string) bool {
	c, err := cr.client(nodeID)
	if err != nil {
		return false
	}
	_, err = c.StatObject(ctx, cr.opts.Bucket, key)
	return err == nil
}

// VerifiedLive keeps the replicas whose node is UP and still holds the
// object. Every call probes the object again.
func (cr *DefaultChunkReplicator) VerifiedLive(ctx context.Context, key string, replicas []string, exclude ...string) []string {
	var verified []string
	for _, id := range replicas {
		if slices.Contains(exclude, id) || !cr.clusterService.IsUp(id) {
			continue
		}
		if cr.ObjectExists(ctx, id, key) {
			verified = append(verified, id)
		}
	}
	return verified
}

// FindSource prefers a verified-live replica and otherwise probes every
// listed node whatever its status, to salvage copies on nodes the monitor
// has marked DOWN but that still answer.
func (cr *DefaultChunkReplicator) FindSource(ctx context.Context, key string, replicas []string) (string, bool) {
	if live := cr.VerifiedLive(ctx, key, replicas); len(live) > 0 {
		return live[0], true
	}
	for _, id := range replicas {
		if cr.ObjectExists(ctx, id, key) {
			cr.ls.Info(log_service.LogEvent{
				Message:  "Salvaging copy from node marked down",
				Metadata: map[string]any{"node": id, "key": key},
			})
			return id, true
		}
	}
	return "", false
}

// CopyObject reads key from src and writes it to dst, retrying with a linear
// backoff of Backoff*attempt between attempts.
func (cr *DefaultChunkReplicator) CopyObject(ctx context.Context, srcID, dstID, key string) error {
	var lastErr error
	for attempt := 1; attempt <= cr.opts.Retries; attempt++ {
		lastErr = cr.copyOnce(ctx, srcID, dstID, key)
		if lastErr == nil {
			cr.ls.Debug(log_service.LogEvent{
				Message:  "Object copied",
				Metadata: map[string]any{"key": key, "src": srcID, "dst": dstID, "attempt": attempt},
			})
			return nil
		}

		cr.ls.Warn(log_service.LogEvent{
			Message:  "Object copy attempt failed",
			Metadata: map[string]any{"key": key, "src": srcID, "dst": dstID, "attempt": attempt, "error": lastErr.Error()},
		})
		if attempt == cr.opts.Retries {
			break
		}

		timer := time.NewTimer(cr.opts.Backoff * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s from %s to %s: %v", ErrCopyFailed, key, srcID, dstID, lastErr)
}

func (cr *DefaultChunkReplicator) copyOnce(ctx context.Context, srcID, dstID, key string) error {
	src, err := cr.client(srcID)
	if err != nil {
		return err
	}
	dst, err := cr.client(dstID)
	if err != nil {
		return err
	}

	info, err := src.StatObject(ctx, cr.opts.Bucket, key)
	if err != nil {
		return err
	}
	rc, err := src.GetObject(ctx, cr.opts.Bucket, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	return dst.PutObject(ctx, cr.opts.Bucket, key, rc, info.Size)
}

func (cr *DefaultChunkReplicator) EnsureBucket(ctx context.Context, nodeID string) error {
	c, err := cr.client(nodeID)
	if err != nil {
		return err
	}
	return object_node.EnsureBucket(ctx, c, cr.opts.Bucket)
}

var _ ChunkReplicator = (*DefaultChunkReplicator)(nil)
