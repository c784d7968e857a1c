// Package object_node defines the client surface of one object-storage node.
package object_node

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrBucketNotFound  = errors.New("bucket not found")
	ErrNodeUnreachable = errors.New("storage node unreachable")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectNode is one storage node. ListBuckets doubles as the liveness probe.
type ObjectNode interface {
	Endpoint() string
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	ListBuckets(ctx context.Context) ([]string, error)
}

// EnsureBucket creates bucket on node when it is missing.
func EnsureBucket(ctx context.Context, node ObjectNode, bucket string) error {
	ok, err := node.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return node.MakeBucket(ctx, bucket)
}
