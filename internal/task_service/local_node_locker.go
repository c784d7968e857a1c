package task_service

import (
	"context"
	"sync"
)

// LocalNodeLocker keeps one single-slot semaphore per node so waiting on a
// lock can be abandoned through ctx.
type LocalNodeLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalNodeLocker() *LocalNodeLocker {
	return &LocalNodeLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalNodeLocker) slot(nodeID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[nodeID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[nodeID] = s
	}
	return s
}

func (l *LocalNodeLocker) Lock(ctx context.Context, nodeID string) (func(), error) {
	s := l.slot(nodeID)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ NodeLocker = (*LocalNodeLocker)(nil)
