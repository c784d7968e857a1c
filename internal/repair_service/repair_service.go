package repair_service

import (
	"context"
	"fmt"

	"github.com/AnishMulay/chunkstore/internal/chunk_replicator"
	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"golang.org/x/exp/slices"
)

// RepairService re-replicates the chunks a failed node held and retires the
// rows that point at it.
type RepairService struct {
	metadataService   metadata_service.MetadataService
	clusterService    cluster_service.ClusterService
	replicator        chunk_replicator.ChunkReplicator
	replicationFactor int
	metrics           *metrics.Metrics
	ls                log_service.LogService
}

func NewRepairService(
	metadataService metadata_service.MetadataService,
	clusterService cluster_service.ClusterService,
	replicator chunk_replicator.ChunkReplicator,
	replicationFactor int,
	m *metrics.Metrics,
	ls log_service.LogService,
) *RepairService {
	return &RepairService{
		metadataService:   metadataService,
		clusterService:    clusterService,
		replicator:        replicator,
		replicationFactor: replicationFactor,
		metrics:           m,
		ls:                ls,
	}
}

func (rs *RepairService) effectiveRF() int {
	return max(1, min(rs.replicationFactor, len(rs.clusterService.Nodes())))
}

// HandleNodeDown walks every row on the failed node. A replacement row is
// always recorded before the stale row is deleted. The returned error is
// non-nil when every copy attempt for some chunk failed; those chunks keep
// their stale row so running the repair again picks them up.
func (rs *RepairService) HandleNodeDown(ctx context.Context, failedNode string) error {
	rows, err := rs.metadataService.ChunksOnNode(ctx, failedNode)
	if err != nil {
		return fmt.Errorf("list chunks on %s: %w", failedNode, err)
	}

	rs.ls.Info(log_service.LogEvent{
		Message:  "Starting repair",
		Metadata: map[string]any{"node": failedNode, "rows": len(rows)},
	})

	incomplete := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := rs.repairChunk(ctx, failedNode, row)
		if err != nil {
			return err
		}
		if !ok {
			incomplete++
		}
	}

	rs.ls.Info(log_service.LogEvent{
		Message:  "Repair finished",
		Metadata: map[string]any{"node": failedNode, "rows": len(rows), "incomplete": incomplete},
	})
	if incomplete > 0 {
		return fmt.Errorf("%w: %d chunks from %s", ErrRepairIncomplete, incomplete, failedNode)
	}
	return nil
}

// repairChunk reports false when the chunk still needs another pass.
// Errors are metadata failures that abort the whole run.
func (rs *RepairService) repairChunk(ctx context.Context, failedNode string, row metadata_service.ChunkReplica) (bool, error) {
	rf := rs.effectiveRF()
	meta := map[string]any{"fileID": row.FileID, "chunk": row.ChunkIndex, "node": failedNode}

	current, err := rs.metadataService.ReplicasOf(ctx, row.FileID, row.ChunkIndex)
	if err != nil {
		return false, err
	}
	holders := make([]string, 0, len(current))
	for _, r := range current {
		holders = append(holders, r.NodeID)
	}
	if !slices.Contains(holders, failedNode) {
		// Already handled by a concurrent pass.
		return true, nil
	}

	survivors := rs.replicator.VerifiedLive(ctx, row.ObjectKey, holders, failedNode)
	if len(survivors) >= rf {
		return true, rs.dropStale(ctx, row, failedNode)
	}

	targets := rs.pickTargets(holders, rf-len(survivors))
	if len(targets) == 0 {
		if len(survivors) > 0 {
			rs.ls.Warn(log_service.LogEvent{
				Message:  "No node available for a new replica, keeping surviving copies",
				Metadata: meta,
			})
			return true, rs.dropStale(ctx, row, failedNode)
		}
		rs.ls.Warn(log_service.LogEvent{
			Message:  "No node available for a new replica, keeping stale row",
			Metadata: meta,
		})
		return true, nil
	}

	source, found := rs.replicator.FindSource(ctx, row.ObjectKey, holders)
	if !found {
		rs.metrics.RepairDataLoss.Inc()
		rs.ls.Error(log_service.LogEvent{
			Message:  "Data loss: no copy of chunk left",
			Metadata: map[string]any{"fileID": row.FileID, "chunk": row.ChunkIndex, "node": failedNode, "error": ErrRepairExhausted.Error()},
		})
		return true, rs.dropStale(ctx, row, failedNode)
	}

	copied := 0
	for _, target := range targets {
		if err := rs.replicator.CopyObject(ctx, source, target, row.ObjectKey); err != nil {
			rs.ls.Warn(log_service.LogEvent{
				Message:  "Repair copy failed",
				Metadata: map[string]any{"fileID": row.FileID, "chunk": row.ChunkIndex, "src": source, "dst": target, "error": err.Error()},
			})
			continue
		}
		if err := rs.metadataService.RecordReplica(ctx, metadata_service.ChunkReplica{
			FileID:     row.FileID,
			ChunkIndex: row.ChunkIndex,
			Size:       row.Size,
			ObjectKey:  row.ObjectKey,
			NodeID:     target,
		}); err != nil {
			return false, err
		}
		copied++
		rs.metrics.RepairCopies.Inc()
		rs.ls.Info(log_service.LogEvent{
			Message:  "Chunk re-replicated",
			Metadata: map[string]any{"fileID": row.FileID, "chunk": row.ChunkIndex, "src": source, "dst": target},
		})
	}

	if copied == 0 {
		// The stale row stays so the next pass finds this chunk again.
		return false, nil
	}
	if copied < len(targets) {
		rs.ls.Warn(log_service.LogEvent{
			Message:  "Chunk repaired below replication factor",
			Metadata: map[string]any{"fileID": row.FileID, "chunk": row.ChunkIndex, "copies": copied, "wanted": len(targets)},
		})
	}
	return true, rs.dropStale(ctx, row, failedNode)
}

// pickTargets returns up to n UP nodes, in configured order, that hold no
// row for the chunk.
func (rs *RepairService) pickTargets(holders []string, n int) []string {
	var targets []string
	for _, node := range rs.clusterService.LiveNodes() {
		if len(targets) >= n {
			break
		}
		if !slices.Contains(holders, node.ID) {
			targets = append(targets, node.ID)
		}
	}
	return targets
}

func (rs *RepairService) dropStale(ctx context.Context, row metadata_service.ChunkReplica, failedNode string) error {
	if err := rs.metadataService.DeleteReplica(ctx, row.FileID, row.ChunkIndex, failedNode); err != nil {
		return fmt.Errorf("delete stale row: %w", err)
	}
	rs.ls.Debug(log_service.LogEvent{
		Message:  "Stale replica row removed",
		Metadata: map[string]any{"fileID": row.FileID, "chunk": row.ChunkIndex, "node": failedNode},
	})
	return nil
}
