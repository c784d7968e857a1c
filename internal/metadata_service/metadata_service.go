package metadata_service

import (
	"context"
	"time"
)

type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusComplete FileStatus = "complete"
	StatusFailed   FileStatus = "failed"
)

// File is one uploaded version of a name. Version numbers are assigned to
// every row, including failed uploads, so they strictly increase per name.
type File struct {
	ID         string
	Name       string
	Version    int
	Size       int64
	Status     FileStatus
	UploadedAt time.Time
}

type ChunkReplica struct {
	FileID     string
	ChunkIndex int
	Size       int64
	ObjectKey  string
	NodeID     string
}

// ChunkRef groups the replica rows of one chunk. Replicas holds node ids in
// ascending order.
type ChunkRef struct {
	FileID     string
	ChunkIndex int
	Size       int64
	ObjectKey  string
	Replicas   []string
}

type FileSummary struct {
	Name          string
	LatestVersion int
	FileID        string
	Size          int64
	UploadedAt    time.Time
	ChunkCount    int
}

type MetadataService interface {
	// CreateFile allocates the next version of name in a single atomic step
	// and stores it as pending.
	CreateFile(ctx context.Context, name string) (File, error)
	FinalizeFile(ctx context.Context, fileID string, size int64, uploadedAt time.Time) error
	FailFile(ctx context.Context, fileID string) error

	FileByID(ctx context.Context, fileID string) (File, error)
	// LatestFile returns the greatest complete version of name.
	LatestFile(ctx context.Context, name string) (File, error)
	FileVersion(ctx context.Context, name string, version int) (File, error)
	// ListVersions returns the complete versions of name, oldest first.
	ListVersions(ctx context.Context, name string) ([]File, error)
	// ListFiles returns one summary per name at its latest complete
	// version, sorted by name.
	ListFiles(ctx context.Context) ([]FileSummary, error)

	// RecordReplica is idempotent on (file id, chunk index, node id).
	RecordReplica(ctx context.Context, replica ChunkReplica) error
	DeleteReplica(ctx context.Context, fileID string, chunkIndex int, nodeID string) error
	ReplicasOf(ctx context.Context, fileID string, chunkIndex int) ([]ChunkReplica, error)
	OrderedChunks(ctx context.Context, fileID string) ([]ChunkRef, error)
	ChunksOnNode(ctx context.Context, nodeID string) ([]ChunkReplica, error)
	// ChunksMissingFromNode lists chunks with no row on nodeID, ordered by
	// file id then chunk index.
	ChunksMissingFromNode(ctx context.Context, nodeID string) ([]ChunkRef, error)
	AllChunks(ctx context.Context) ([]ChunkRef, error)
	ReplicaCount(ctx context.Context) (int, error)
	ReplicaCountsByNode(ctx context.Context) (map[string]int, error)

	Close() error
}

// GroupReplicas folds rows sorted by (file id, chunk index, node id) into
// chunk references.
func GroupReplicas(rows []ChunkReplica) []ChunkRef {
	var refs []ChunkRef
	for _, r := range rows {
		n := len(refs)
		if n > 0 && refs[n-1].FileID == r.FileID && refs[n-1].ChunkIndex == r.ChunkIndex {
			refs[n-1].Replicas = append(refs[n-1].Replicas, r.NodeID)
			continue
		}
		refs = append(refs, ChunkRef{
			FileID:     r.FileID,
			ChunkIndex: r.ChunkIndex,
			Size:       r.Size,
			ObjectKey:  r.ObjectKey,
			Replicas:   []string{r.NodeID},
		})
	}
	return refs
}
