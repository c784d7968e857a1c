package inmemory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnishMulay/chunkstore/internal/object_node"
)

// ErrInjected is returned by writes while SetFailPuts(true) is in effect.
var ErrInjected = errors.New("injected put failure")

type object struct {
	data     []byte
	modified time.Time
}

// InMemoryObjectNode keeps objects in maps. SetOffline makes every call fail
// with ErrNodeUnreachable while keeping the stored data, like a partitioned node.
type InMemoryObjectNode struct {
	endpoint string
	mu       sync.RWMutex
	buckets  map[string]map[string]object
	offline  atomic.Bool
	failPuts atomic.Bool
	puts     atomic.Int64
}

func NewInMemoryObjectNode(endpoint string) *InMemoryObjectNode {
	return &InMemoryObjectNode{
		endpoint: endpoint,
		buckets:  make(map[string]map[string]object),
	}
}

func (n *InMemoryObjectNode) SetOffline(offline bool) { n.offline.Store(offline) }

func (n *InMemoryObjectNode) SetFailPuts(fail bool) { n.failPuts.Store(fail) }

// Puts counts successful PutObject calls.
func (n *InMemoryObjectNode) Puts() int64 { return n.puts.Load() }

// Drop removes an object behind the coordinator's back, simulating disk loss.
func (n *InMemoryObjectNode) Drop(bucket, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.buckets[bucket], key)
}

// Has reports whether the object is stored, ignoring the offline switch.
func (n *InMemoryObjectNode) Has(bucket, key string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.buckets[bucket][key]
	return ok
}

func (n *InMemoryObjectNode) Endpoint() string { return n.endpoint }

func (n *InMemoryObjectNode) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.offline.Load() {
		return object_node.ErrNodeUnreachable
	}
	return nil
}

func (n *InMemoryObjectNode) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := n.check(ctx); err != nil {
		return false, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.buckets[bucket]
	return ok, nil
}

func (n *InMemoryObjectNode) MakeBucket(ctx context.Context, bucket string) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.buckets[bucket]; !ok {
		n.buckets[bucket] = make(map[string]object)
	}
	return nil
}

func (n *InMemoryObjectNode) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	if n.failPuts.Load() {
		return ErrInjected
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	objects, ok := n.buckets[bucket]
	if !ok {
		return object_node.ErrBucketNotFound
	}
	objects[key] = object{data: data, modified: time.Now()}
	n.puts.Add(1)
	return nil
}

func (n *InMemoryObjectNode) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	obj, ok := n.buckets[bucket][key]
	if !ok {
		return nil, object_node.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (n *InMemoryObjectNode) StatObject(ctx context.Context, bucket, key string) (object_node.ObjectInfo, error) {
	if err := n.check(ctx); err != nil {
		return object_node.ObjectInfo{}, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	obj, ok := n.buckets[bucket][key]
	if !ok {
		return object_node.ObjectInfo{}, object_node.ErrObjectNotFound
	}
	return object_node.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified}, nil
}

func (n *InMemoryObjectNode) ListBuckets(ctx context.Context) ([]string, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.buckets))
	for name := range n.buckets {
		names = append(names, name)
	}
	return names, nil
}

var _ object_node.ObjectNode = (*InMemoryObjectNode)(nil)
