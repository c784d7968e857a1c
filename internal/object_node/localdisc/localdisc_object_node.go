package localdisc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/object_node"
)

// LocalDiscObjectNode stores each bucket as a directory under baseDir and each
// object as a file whose relative path is the object key.
type LocalDiscObjectNode struct {
	baseDir string
	ls      log_service.LogService
}

func NewLocalDiscObjectNode(baseDir string, ls log_service.LogService) (*LocalDiscObjectNode, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create node directory: %w", err)
	}
	return &LocalDiscObjectNode{
		baseDir: baseDir,
		ls:      ls,
	}, nil
}

func (n *LocalDiscObjectNode) Endpoint() string {
	return "file://" + n.baseDir
}

func (n *LocalDiscObjectNode) bucketPath(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return filepath.Join(n.baseDir, bucket), nil
}

func (n *LocalDiscObjectNode) objectPath(bucket, key string) (string, error) {
	dir, err := n.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(dir, clean), nil
}

// checkAlive fails when the node root disappeared, e.g. an unmounted volume.
func (n *LocalDiscObjectNode) checkAlive() error {
	if _, err := os.Stat(n.baseDir); err != nil {
		return fmt.Errorf("%w: %v", object_node.ErrNodeUnreachable, err)
	}
	return nil
}

func (n *LocalDiscObjectNode) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := n.checkAlive(); err != nil {
		return false, err
	}
	dir, err := n.bucketPath(bucket)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (n *LocalDiscObjectNode) MakeBucket(ctx context.Context, bucket string) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	dir, err := n.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

func (n *LocalDiscObjectNode) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	path, err := n.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(path)); errors.Is(err, os.ErrNotExist) {
		if ok, _ := n.BucketExists(ctx, bucket); !ok {
			return object_node.ErrBucketNotFound
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		n.ls.Error(log_service.LogEvent{
			Message:  "Failed to write object",
			Metadata: map[string]any{"bucket": bucket, "key": key, "error": err.Error()},
		})
		return err
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", key, written, size)
	}
	return os.Rename(tmp.Name(), path)
}

func (n *LocalDiscObjectNode) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	path, err := n.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, object_node.ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (n *LocalDiscObjectNode) StatObject(ctx context.Context, bucket, key string) (object_node.ObjectInfo, error) {
	if err := n.checkAlive(); err != nil {
		return object_node.ObjectInfo{}, err
	}
	path, err := n.objectPath(bucket, key)
	if err != nil {
		return object_node.ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return object_node.ObjectInfo{}, object_node.ErrObjectNotFound
	}
	if err != nil {
		return object_node.ObjectInfo{}, err
	}
	return object_node.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (n *LocalDiscObjectNode) ListBuckets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(n.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", object_node.ErrNodeUnreachable, err)
	}
	var buckets []string
	for _, e := range entries {
		if e.IsDir() {
			buckets = append(buckets, e.Name())
		}
	}
	return buckets, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var _ object_node.ObjectNode = (*LocalDiscObjectNode)(nil)
