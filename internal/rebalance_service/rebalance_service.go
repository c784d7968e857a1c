package rebalance_service

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/chunkstore/internal/chunk_replicator"
	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"golang.org/x/exp/slices"
)

var ErrRebalanceIncomplete = errors.New("rebalance copies failed")

// RebalanceService moves load onto a node that came back and then trims
// chunks left with more rows than the replication factor.
//
// The fill target and the load order are computed from one snapshot of the
// row counts per run. Uploads and repairs running at the same time make that
// snapshot stale, so a single run is a best-effort step; repeated runs
// converge.
type RebalanceService struct {
	metadataService   metadata_service.MetadataService
	clusterService    cluster_service.ClusterService
	replicator        chunk_replicator.ChunkReplicator
	replicationFactor int
	metrics           *metrics.Metrics
	ls                log_service.LogService
}

func NewRebalanceService(
	metadataService metadata_service.MetadataService,
	clusterService cluster_service.ClusterService,
	replicator chunk_replicator.ChunkReplicator,
	replicationFactor int,
	m *metrics.Metrics,
	ls log_service.LogService,
) *RebalanceService {
	return &RebalanceService{
		metadataService:   metadataService,
		clusterService:    clusterService,
		replicator:        replicator,
		replicationFactor: replicationFactor,
		metrics:           m,
		ls:                ls,
	}
}

func (rb *RebalanceService) effectiveRF() int {
	return max(1, min(rb.replicationFactor, len(rb.clusterService.Nodes())))
}

func (rb *RebalanceService) HandleNodeUp(ctx context.Context, nodeID string) error {
	if err := rb.replicator.EnsureBucket(ctx, nodeID); err != nil {
		return fmt.Errorf("ensure bucket on %s: %w", nodeID, err)
	}

	failed, err := rb.fill(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := rb.Trim(ctx); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d copies onto %s", ErrRebalanceIncomplete, failed, nodeID)
	}
	return nil
}

// fill copies chunks the node does not hold until it reaches
// ceil(total rows / node count). It returns the number of failed copies.
func (rb *RebalanceService) fill(ctx context.Context, nodeID string) (int, error) {
	total, err := rb.metadataService.ReplicaCount(ctx)
	if err != nil {
		return 0, err
	}
	nodes := len(rb.clusterService.Nodes())
	if nodes == 0 || total == 0 {
		return 0, nil
	}
	desired := (total + nodes - 1) / nodes

	counts, err := rb.metadataService.ReplicaCountsByNode(ctx)
	if err != nil {
		return 0, err
	}
	have := counts[nodeID]

	rb.ls.Info(log_service.LogEvent{
		Message:  "Rebalancing recovered node",
		Metadata: map[string]any{"node": nodeID, "have": have, "desired": desired, "totalRows": total},
	})
	if have >= desired {
		return 0, nil
	}

	candidates, err := rb.metadataService.ChunksMissingFromNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, chunk := range candidates {
		if have >= desired {
			break
		}
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if !rb.clusterService.IsUp(nodeID) {
			rb.ls.Warn(log_service.LogEvent{
				Message:  "Node went down during rebalance",
				Metadata: map[string]any{"node": nodeID},
			})
			break
		}

		sources := rb.replicator.VerifiedLive(ctx, chunk.ObjectKey, chunk.Replicas)
		if len(sources) == 0 {
			continue
		}
		if err := rb.replicator.CopyObject(ctx, sources[0], nodeID, chunk.ObjectKey); err != nil {
			failed++
			continue
		}
		if err := rb.metadataService.RecordReplica(ctx, metadata_service.ChunkReplica{
			FileID:     chunk.FileID,
			ChunkIndex: chunk.ChunkIndex,
			Size:       chunk.Size,
			ObjectKey:  chunk.ObjectKey,
			NodeID:     nodeID,
		}); err != nil {
			return failed, err
		}
		have++
		rb.metrics.RebalanceCopies.Inc()
		rb.ls.Debug(log_service.LogEvent{
			Message:  "Chunk moved onto recovered node",
			Metadata: map[string]any{"fileID": chunk.FileID, "chunk": chunk.ChunkIndex, "src": sources[0], "dst": nodeID},
		})
	}
	return failed, nil
}

// Trim removes rows from chunks that have more than the replication factor,
// most loaded node first. A row goes only if the chunk keeps that many
// verified-live copies without it. Objects stay on the nodes.
func (rb *RebalanceService) Trim(ctx context.Context) error {
	rf := rb.effectiveRF()

	chunks, err := rb.metadataService.AllChunks(ctx)
	if err != nil {
		return err
	}
	counts, err := rb.metadataService.ReplicaCountsByNode(ctx)
	if err != nil {
		return err
	}

	trimmed := 0
	for _, chunk := range chunks {
		if len(chunk.Replicas) <= rf {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		verified := rb.replicator.VerifiedLive(ctx, chunk.ObjectKey, chunk.Replicas)
		remaining := len(chunk.Replicas)
		for _, node := range byLoad(chunk.Replicas, counts) {
			if remaining <= rf {
				break
			}
			left := withoutNode(verified, node)
			if len(left) < rf {
				continue
			}
			if err := rb.metadataService.DeleteReplica(ctx, chunk.FileID, chunk.ChunkIndex, node); err != nil {
				return err
			}
			verified = left
			remaining--
			counts[node]--
			trimmed++
			rb.metrics.TrimmedReplicas.Inc()
		}
	}

	if trimmed > 0 {
		rb.ls.Info(log_service.LogEvent{
			Message:  "Trimmed over-replicated chunks",
			Metadata: map[string]any{"rows": trimmed, "replicationFactor": rf},
		})
	}
	return nil
}

// byLoad orders holders by row count, highest first, ties by node id.
func byLoad(holders []string, counts map[string]int) []string {
	order := append([]string(nil), holders...)
	slices.SortFunc(order, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
	return order
}

func withoutNode(ids []string, node string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != node {
			out = append(out, id)
		}
	}
	return out
}
