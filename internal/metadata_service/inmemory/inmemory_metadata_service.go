package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

type replicaKey struct {
	fileID     string
	chunkIndex int
	nodeID     string
}

// InMemoryMetadataService keeps the whole index behind one RWMutex. It is not
// durable and serves tests and single-process demos.
type InMemoryMetadataService struct {
	mu       sync.RWMutex
	files    map[string]*metadata_service.File
	versions map[string]int
	replicas map[replicaKey]metadata_service.ChunkReplica
	ls       log_service.LogService
}

func NewInMemoryMetadataService(ls log_service.LogService) *InMemoryMetadataService {
	return &InMemoryMetadataService{
		files:    make(map[string]*metadata_service.File),
		versions: make(map[string]int),
		replicas: make(map[replicaKey]metadata_service.ChunkReplica),
		ls:       ls,
	}
}

func (ms *InMemoryMetadataService) CreateFile(ctx context.Context, name string) (metadata_service.File, error) {
	if name == "" {
		return metadata_service.File{}, metadata_service.ErrInvalidFileName
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.versions[name]++
	file := &metadata_service.File{
		ID:         uuid.NewString(),
		Name:       name,
		Version:    ms.versions[name],
		Status:     metadata_service.StatusPending,
		UploadedAt: time.Now().UTC(),
	}
	ms.files[file.ID] = file

	ms.ls.Debug(log_service.LogEvent{
		Message:  "File version created",
		Metadata: map[string]any{"name": name, "fileID": file.ID, "version": file.Version},
	})
	return *file, nil
}

func (ms *InMemoryMetadataService) FinalizeFile(ctx context.Context, fileID string, size int64, uploadedAt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	file, ok := ms.files[fileID]
	if !ok {
		return metadata_service.ErrFileNotFound
	}
	file.Size = size
	file.UploadedAt = uploadedAt.UTC()
	file.Status = metadata_service.StatusComplete
	return nil
}

func (ms *InMemoryMetadataService) FailFile(ctx context.Context, fileID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	file, ok := ms.files[fileID]
	if !ok {
		return metadata_service.ErrFileNotFound
	}
	file.Status = metadata_service.StatusFailed
	return nil
}

func (ms *InMemoryMetadataService) FileByID(ctx context.Context, fileID string) (metadata_service.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	file, ok := ms.files[fileID]
	if !ok {
		return metadata_service.File{}, metadata_service.ErrFileNotFound
	}
	return *file, nil
}

func (ms *InMemoryMetadataService) LatestFile(ctx context.Context, name string) (metadata_service.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	latest, ok := ms.latestLocked(name)
	if !ok {
		return metadata_service.File{}, metadata_service.ErrFileNotFound
	}
	return latest, nil
}

func (ms *InMemoryMetadataService) latestLocked(name string) (metadata_service.File, bool) {
	var latest metadata_service.File
	found := false
	for _, f := range ms.files {
		if f.Name != name || f.Status != metadata_service.StatusComplete {
			continue
		}
		if !found || f.Version > latest.Version {
			latest = *f
			found = true
		}
	}
	return latest, found
}

func (ms *InMemoryMetadataService) FileVersion(ctx context.Context, name string, version int) (metadata_service.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, f := range ms.files {
		if f.Name == name && f.Version == version {
			return *f, nil
		}
	}
	return metadata_service.File{}, metadata_service.ErrFileNotFound
}

func (ms *InMemoryMetadataService) ListVersions(ctx context.Context, name string) ([]metadata_service.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var versions []metadata_service.File
	for _, f := range ms.files {
		if f.Name == name && f.Status == metadata_service.StatusComplete {
			versions = append(versions, *f)
		}
	}
	slices.SortFunc(versions, func(a, b metadata_service.File) int { return a.Version - b.Version })
	return versions, nil
}

func (ms *InMemoryMetadataService) ListFiles(ctx context.Context) ([]metadata_service.FileSummary, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	names := make(map[string]struct{})
	for _, f := range ms.files {
		names[f.Name] = struct{}{}
	}

	var summaries []metadata_service.FileSummary
	for name := range names {
		latest, ok := ms.latestLocked(name)
		if !ok {
			continue
		}
		chunks := make(map[int]struct{})
		for k := range ms.replicas {
			if k.fileID == latest.ID {
				chunks[k.chunkIndex] = struct{}{}
			}
		}
		summaries = append(summaries, metadata_service.FileSummary{
			Name:          latest.Name,
			LatestVersion: latest.Version,
			FileID:        latest.ID,
			Size:          latest.Size,
			UploadedAt:    latest.UploadedAt,
			ChunkCount:    len(chunks),
		})
	}
	slices.SortFunc(summaries, func(a, b metadata_service.FileSummary) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return summaries, nil
}

func (ms *InMemoryMetadataService) RecordReplica(ctx context.Context, replica metadata_service.ChunkReplica) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.files[replica.FileID]; !ok {
		return metadata_service.ErrFileNotFound
	}
	key := replicaKey{replica.FileID, replica.ChunkIndex, replica.NodeID}
	if _, exists := ms.replicas[key]; exists {
		return nil
	}
	ms.replicas[key] = replica
	return nil
}

func (ms *InMemoryMetadataService) DeleteReplica(ctx context.Context, fileID string, chunkIndex int, nodeID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.replicas, replicaKey{fileID, chunkIndex, nodeID})
	return nil
}

func (ms *InMemoryMetadataService) ReplicasOf(ctx context.Context, fileID string, chunkIndex int) ([]metadata_service.ChunkReplica, error) {
	return ms.collect(func(r metadata_service.ChunkReplica) bool {
		return r.FileID == fileID && r.ChunkIndex == chunkIndex
	}), nil
}

func (ms *InMemoryMetadataService) OrderedChunks(ctx context.Context, fileID string) ([]metadata_service.ChunkRef, error) {
	rows := ms.collect(func(r metadata_service.ChunkReplica) bool { return r.FileID == fileID })
	return metadata_service.GroupReplicas(rows), nil
}

func (ms *InMemoryMetadataService) ChunksOnNode(ctx context.Context, nodeID string) ([]metadata_service.ChunkReplica, error) {
	return ms.collect(func(r metadata_service.ChunkReplica) bool { return r.NodeID == nodeID }), nil
}

func (ms *InMemoryMetadataService) ChunksMissingFromNode(ctx context.Context, nodeID string) ([]metadata_service.ChunkRef, error) {
	all := metadata_service.GroupReplicas(ms.collect(func(metadata_service.ChunkReplica) bool { return true }))
	var missing []metadata_service.ChunkRef
	for _, ref := range all {
		if !slices.Contains(ref.Replicas, nodeID) {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

func (ms *InMemoryMetadataService) AllChunks(ctx context.Context) ([]metadata_service.ChunkRef, error) {
	return metadata_service.GroupReplicas(ms.collect(func(metadata_service.ChunkReplica) bool { return true })), nil
}

func (ms *InMemoryMetadataService) ReplicaCount(ctx context.Context) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.replicas), nil
}

func (ms *InMemoryMetadataService) ReplicaCountsByNode(ctx context.Context) (map[string]int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	counts := make(map[string]int)
	for k := range ms.replicas {
		counts[k.nodeID]++
	}
	return counts, nil
}

func (ms *InMemoryMetadataService) Close() error {
	return nil
}

// collect returns matching rows sorted by file id, chunk index and node id.
func (ms *InMemoryMetadataService) collect(match func(metadata_service.ChunkReplica) bool) []metadata_service.ChunkReplica {
	ms.mu.RLock()
	var rows []metadata_service.ChunkReplica
	for _, r := range ms.replicas {
		if match(r) {
			rows = append(rows, r)
		}
	}
	ms.mu.RUnlock()

	slices.SortFunc(rows, compareReplicas)
	return rows
}

func compareReplicas(a, b metadata_service.ChunkReplica) int {
	if a.FileID != b.FileID {
		if a.FileID < b.FileID {
			return -1
		}
		return 1
	}
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex - b.ChunkIndex
	}
	switch {
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

var _ metadata_service.MetadataService = (*InMemoryMetadataService)(nil)
