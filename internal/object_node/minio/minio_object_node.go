package minio

import (
	"context"
	"fmt"
	"io"

	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/object_node"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioObjectNode talks to one S3-compatible server.
type MinioObjectNode struct {
	endpoint string
	client   *minio.Client
	ls       log_service.LogService
}

func NewMinioObjectNode(opts Options, ls log_service.LogService) (*MinioObjectNode, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", opts.Endpoint, err)
	}
	return &MinioObjectNode{
		endpoint: opts.Endpoint,
		client:   client,
		ls:       ls,
	}, nil
}

func (n *MinioObjectNode) Endpoint() string {
	return n.endpoint
}

// mapError turns S3 error codes into object_node sentinels. Anything without
// an S3 error code failed before the server answered.
func (n *MinioObjectNode) mapError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return object_node.ErrObjectNotFound
	case "NoSuchBucket":
		return object_node.ErrBucketNotFound
	case "":
		n.ls.Debug(log_service.LogEvent{
			Message:  "Minio request failed",
			Metadata: map[string]any{"op": op, "endpoint": n.endpoint, "bucket": bucket, "key": key, "error": err.Error()},
		})
		return fmt.Errorf("%w: %v", object_node.ErrNodeUnreachable, err)
	default:
		return err
	}
}

func (n *MinioObjectNode) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := n.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, n.mapError("bucket_exists", bucket, "", err)
	}
	return ok, nil
}

func (n *MinioObjectNode) MakeBucket(ctx context.Context, bucket string) error {
	err := n.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return n.mapError("make_bucket", bucket, "", err)
	}
	return nil
}

func (n *MinioObjectNode) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := n.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return n.mapError("put", bucket, key, err)
}

func (n *MinioObjectNode) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := n.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, n.mapError("get", bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, n.mapError("get", bucket, key, err)
	}
	return obj, nil
}

func (n *MinioObjectNode) StatObject(ctx context.Context, bucket, key string) (object_node.ObjectInfo, error) {
	info, err := n.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return object_node.ObjectInfo{}, n.mapError("stat", bucket, key, err)
	}
	return object_node.ObjectInfo{Key: info.Key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (n *MinioObjectNode) ListBuckets(ctx context.Context) ([]string, error) {
	buckets, err := n.client.ListBuckets(ctx)
	if err != nil {
		return nil, n.mapError("list_buckets", "", "", err)
	}
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	return names, nil
}

var _ object_node.ObjectNode = (*MinioObjectNode)(nil)
