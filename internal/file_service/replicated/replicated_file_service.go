package replicated

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/file_service"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"github.com/AnishMulay/chunkstore/internal/object_node"
	"github.com/AnishMulay/chunkstore/internal/placement_service"
	"golang.org/x/exp/slices"
)

const (
	DefaultFrameSize = 64 * 1024
	failFileTimeout  = 5 * time.Second
)

type Options struct {
	ChunkSize int64
	Bucket    string
	FrameSize int
}

// ReplicatedFileService splits uploads into chunks written to every node the
// placement picks, and reassembles downloads from any live replica.
type ReplicatedFileService struct {
	ms      metadata_service.MetadataService
	cluster cluster_service.ClusterService
	ps      placement_service.PlacementService
	opts    Options
	metrics *metrics.Metrics
	ls      log_service.LogService
}

func NewReplicatedFileService(
	ms metadata_service.MetadataService,
	cluster cluster_service.ClusterService,
	ps placement_service.PlacementService,
	opts Options,
	m *metrics.Metrics,
	ls log_service.LogService,
) *ReplicatedFileService {
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}
	return &ReplicatedFileService{
		ms:      ms,
		cluster: cluster,
		ps:      ps,
		opts:    opts,
		metrics: m,
		ls:      ls,
	}
}

func ObjectKey(fileID string, chunkIndex int) string {
	return fmt.Sprintf("%s/part_%d", fileID, chunkIndex)
}

func (fs *ReplicatedFileService) Upload(ctx context.Context, src file_service.FragmentSource) (file_service.UploadResult, error) {
	start := time.Now()

	first, err := src.Recv()
	if errors.Is(err, io.EOF) {
		fs.metrics.Uploads.WithLabelValues("invalid").Inc()
		return file_service.UploadResult{}, fmt.Errorf("%w: empty upload stream", file_service.ErrInvalidInput)
	}
	if err != nil {
		fs.metrics.Uploads.WithLabelValues("failed").Inc()
		return file_service.UploadResult{}, err
	}
	if first.Name == "" {
		fs.metrics.Uploads.WithLabelValues("invalid").Inc()
		return file_service.UploadResult{}, fmt.Errorf("%w: missing file name", file_service.ErrInvalidInput)
	}

	file, err := fs.ms.CreateFile(ctx, first.Name)
	if err != nil {
		fs.metrics.Uploads.WithLabelValues("failed").Inc()
		fs.ls.Error(log_service.LogEvent{
			Message:  "Failed to create file version",
			Metadata: map[string]any{"name": first.Name, "error": err.Error()},
		})
		return file_service.UploadResult{}, err
	}

	fs.ls.Info(log_service.LogEvent{
		Message:  "Upload started",
		Metadata: map[string]any{"name": file.Name, "fileID": file.ID, "version": file.Version},
	})

	size, err := fs.ingest(ctx, file.ID, first.Data, src)
	if err == nil && size == 0 {
		err = fmt.Errorf("%w: empty payload", file_service.ErrInvalidInput)
	}
	if err == nil {
		err = fs.ms.FinalizeFile(ctx, file.ID, size, time.Now())
	}
	if err != nil {
		fs.failFile(ctx, file, err)
		if errors.Is(err, file_service.ErrInvalidInput) {
			fs.metrics.Uploads.WithLabelValues("invalid").Inc()
		} else {
			fs.metrics.Uploads.WithLabelValues("failed").Inc()
		}
		return file_service.UploadResult{}, err
	}

	fs.metrics.Uploads.WithLabelValues("ok").Inc()
	fs.metrics.UploadBytes.Add(float64(size))
	fs.metrics.UploadLatency.Observe(time.Since(start).Seconds())
	fs.ls.Info(log_service.LogEvent{
		Message:  "Upload complete",
		Metadata: map[string]any{"name": file.Name, "fileID": file.ID, "version": file.Version, "size": size},
	})

	return file_service.UploadResult{
		Message: fmt.Sprintf("Uploaded %s as id=%s", file.Name, file.ID),
		FileID:  file.ID,
		Version: file.Version,
		Size:    size,
	}, nil
}

// failFile marks the version failed. It runs on a context detached from the
// stream so a client abort still leaves the row in a final state.
func (fs *ReplicatedFileService) failFile(ctx context.Context, file metadata_service.File, cause error) {
	fs.ls.Warn(log_service.LogEvent{
		Message:  "Upload failed",
		Metadata: map[string]any{"name": file.Name, "fileID": file.ID, "version": file.Version, "error": cause.Error()},
	})

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failFileTimeout)
	defer cancel()
	if err := fs.ms.FailFile(fctx, file.ID); err != nil {
		fs.ls.Error(log_service.LogEvent{
			Message:  "Failed to mark upload as failed",
			Metadata: map[string]any{"fileID": file.ID, "error": err.Error()},
		})
	}
}

// ingest cuts the stream into ChunkSize pieces and writes each before
// reading further, so at most one chunk is buffered per upload.
func (fs *ReplicatedFileService) ingest(ctx context.Context, fileID string, firstData []byte, src file_service.FragmentSource) (int64, error) {
	chunkSize := int(fs.opts.ChunkSize)
	buf := make([]byte, 0, chunkSize)
	index := 0
	var total int64

	consume := func(data []byte) error {
		total += int64(len(data))
		for len(data) > 0 {
			n := min(chunkSize-len(buf), len(data))
			buf = append(buf, data[:n]...)
			data = data[n:]
			if len(buf) == chunkSize {
				if err := fs.writeChunk(ctx, fileID, index, buf); err != nil {
					return err
				}
				index++
				buf = buf[:0]
			}
		}
		return nil
	}

	if err := consume(firstData); err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		frag, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if err := consume(frag.Data); err != nil {
			return 0, err
		}
	}

	if len(buf) > 0 {
		if err := fs.writeChunk(ctx, fileID, index, buf); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// writeChunk puts the chunk on every selected node in parallel, retries the
// failed targets one by one, and records a row per successful write.
func (fs *ReplicatedFileService) writeChunk(ctx context.Context, fileID string, index int, data []byte) error {
	key := ObjectKey(fileID, index)
	targets := fs.ps.Refresh(fs.ps.SelectNodes(index))

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, nodeID := range targets {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			errs[i] = fs.put(ctx, nodeID, key, data)
		}(i, nodeID)
	}
	wg.Wait()

	var written []string
	for i, nodeID := range targets {
		if errs[i] == nil {
			written = append(written, nodeID)
			continue
		}
		fs.metrics.ChunkWriteFailures.WithLabelValues(nodeID).Inc()
		fs.ls.Warn(log_service.LogEvent{
			Message:  "Chunk write failed, retrying",
			Metadata: map[string]any{"fileID": fileID, "chunk": index, "node": nodeID, "error": errs[i].Error()},
		})
		if err := fs.put(ctx, nodeID, key, data); err != nil {
			fs.metrics.ChunkWriteFailures.WithLabelValues(nodeID).Inc()
			continue
		}
		written = append(written, nodeID)
	}

	if len(written) == 0 {
		fs.ls.Error(log_service.LogEvent{
			Message:  "Chunk could not be written to any target",
			Metadata: map[string]any{"fileID": fileID, "chunk": index, "targets": targets},
		})
		return fmt.Errorf("%w: chunk %d of %s", file_service.ErrWriteFailed, index, fileID)
	}

	for _, nodeID := range written {
		if err := fs.ms.RecordReplica(ctx, metadata_service.ChunkReplica{
			FileID:     fileID,
			ChunkIndex: index,
			Size:       int64(len(data)),
			ObjectKey:  key,
			NodeID:     nodeID,
		}); err != nil {
			return err
		}
	}

	fs.ls.Debug(log_service.LogEvent{
		Message:  "Chunk stored",
		Metadata: map[string]any{"fileID": fileID, "chunk": index, "size": len(data), "nodes": written},
	})
	return nil
}

func (fs *ReplicatedFileService) put(ctx context.Context, nodeID, key string, data []byte) error {
	node, ok := fs.cluster.Node(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	return node.Client.PutObject(ctx, fs.opts.Bucket, key, bytes.NewReader(data), int64(len(data)))
}

func (fs *ReplicatedFileService) resolve(ctx context.Context, req file_service.DownloadRequest) (metadata_service.File, error) {
	var (
		file metadata_service.File
		err  error
	)
	switch {
	case req.FileID != "":
		file, err = fs.ms.FileByID(ctx, req.FileID)
	case req.Name == "":
		return metadata_service.File{}, fmt.Errorf("%w: name or file id required", file_service.ErrInvalidInput)
	case req.Version > 0:
		file, err = fs.ms.FileVersion(ctx, req.Name, req.Version)
	default:
		file, err = fs.ms.LatestFile(ctx, req.Name)
	}
	if errors.Is(err, metadata_service.ErrFileNotFound) {
		return metadata_service.File{}, file_service.ErrNotFound
	}
	if err != nil {
		return metadata_service.File{}, err
	}
	if file.Status != metadata_service.StatusComplete {
		return metadata_service.File{}, file_service.ErrNotFound
	}
	return file, nil
}

func (fs *ReplicatedFileService) Download(ctx context.Context, req file_service.DownloadRequest, sink file_service.ChunkSink) error {
	file, err := fs.resolve(ctx, req)
	if err != nil {
		return err
	}

	chunks, err := fs.ms.OrderedChunks(ctx, file.ID)
	if err != nil {
		return err
	}
	var stored int64
	for i, c := range chunks {
		if c.ChunkIndex != i {
			fs.metrics.Downloads.WithLabelValues("unavailable").Inc()
			return fmt.Errorf("%w: chunk %d of %s has no rows", file_service.ErrDataUnavailable, i, file.ID)
		}
		stored += c.Size
	}
	// Trailing chunks that lost every row leave no gap, only a short total.
	if stored != file.Size {
		fs.metrics.Downloads.WithLabelValues("unavailable").Inc()
		fs.ls.Error(log_service.LogEvent{
			Message:  "Chunk rows do not cover file size",
			Metadata: map[string]any{"fileID": file.ID, "size": file.Size, "stored": stored, "chunks": len(chunks)},
		})
		return fmt.Errorf("%w: %s has %d of %d bytes recorded", file_service.ErrDataUnavailable, file.ID, stored, file.Size)
	}

	fs.ls.Info(log_service.LogEvent{
		Message:  "Download started",
		Metadata: map[string]any{"name": file.Name, "fileID": file.ID, "version": file.Version, "chunks": len(chunks)},
	})

	for _, c := range chunks {
		data, err := fs.readChunk(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fs.metrics.Downloads.WithLabelValues("unavailable").Inc()
			fs.ls.Error(log_service.LogEvent{
				Message:  "No replica could serve chunk",
				Metadata: map[string]any{"fileID": file.ID, "chunk": c.ChunkIndex, "replicas": c.Replicas},
			})
			return fmt.Errorf("%w: chunk %d of %s", file_service.ErrDataUnavailable, c.ChunkIndex, file.ID)
		}
		for off := 0; off < len(data); off += fs.opts.FrameSize {
			end := min(off+fs.opts.FrameSize, len(data))
			if err := sink(data[off:end]); err != nil {
				return err
			}
		}
	}

	fs.metrics.Downloads.WithLabelValues("ok").Inc()
	return nil
}

// readChunk tries replicas in configured node order, skipping nodes marked
// DOWN. The chunk is read whole so a failing replica never leaves partial
// bytes in the stream.
func (fs *ReplicatedFileService) readChunk(ctx context.Context, c metadata_service.ChunkRef) ([]byte, error) {
	lastErr := errors.New("no live replica")
	for _, node := range fs.cluster.Nodes() {
		if !slices.Contains(c.Replicas, node.ID) || !fs.cluster.IsUp(node.ID) {
			continue
		}
		data, err := readAll(ctx, node.Client, fs.opts.Bucket, c.ObjectKey)
		if err == nil && int64(len(data)) != c.Size {
			err = fmt.Errorf("size mismatch: got %d want %d", len(data), c.Size)
		}
		if err != nil {
			lastErr = err
			fs.ls.Warn(log_service.LogEvent{
				Message:  "Replica read failed, trying next",
				Metadata: map[string]any{"key": c.ObjectKey, "node": node.ID, "error": err.Error()},
			})
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func readAll(ctx context.Context, node object_node.ObjectNode, bucket, key string) ([]byte, error) {
	rc, err := node.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (fs *ReplicatedFileService) GetMetadata(ctx context.Context, name string, version int) (metadata_service.File, error) {
	if name == "" {
		return metadata_service.File{}, fmt.Errorf("%w: name required", file_service.ErrInvalidInput)
	}
	return fs.resolve(ctx, file_service.DownloadRequest{Name: name, Version: version})
}

func (fs *ReplicatedFileService) ListVersions(ctx context.Context, name string) ([]metadata_service.File, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name required", file_service.ErrInvalidInput)
	}
	versions, err := fs.ms.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return versions, nil
}

func (fs *ReplicatedFileService) ListFiles(ctx context.Context) ([]metadata_service.FileSummary, error) {
	return fs.ms.ListFiles(ctx)
}

var _ file_service.FileService = (*ReplicatedFileService)(nil)
