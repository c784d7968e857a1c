package file_service

import (
	"context"
	"errors"

	"github.com/AnishMulay/chunkstore/internal/metadata_service"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrDataUnavailable = errors.New("chunk data unavailable on every replica")
	ErrWriteFailed     = errors.New("chunk write failed on every target")
)

// Fragment is one message of an upload stream. Name is only read from the
// first fragment.
type Fragment struct {
	Name string
	Data []byte
}

// FragmentSource yields upload fragments and returns io.EOF after the last.
type FragmentSource interface {
	Recv() (Fragment, error)
}

// ChunkSink receives download bytes in order. The slice is reused after the
// call returns.
type ChunkSink func(data []byte) error

type UploadResult struct {
	Message string
	FileID  string
	Version int
	Size    int64
}

// DownloadRequest selects a file by id, or by name at Version (0 for the
// latest complete version).
type DownloadRequest struct {
	FileID  string
	Name    string
	Version int
}

type FileService interface {
	Upload(ctx context.Context, src FragmentSource) (UploadResult, error)
	Download(ctx context.Context, req DownloadRequest, sink ChunkSink) error
	GetMetadata(ctx context.Context, name string, version int) (metadata_service.File, error)
	// ListVersions returns the complete versions of name, newest first.
	ListVersions(ctx context.Context, name string) ([]metadata_service.File, error)
	ListFiles(ctx context.Context) ([]metadata_service.FileSummary, error)
}
