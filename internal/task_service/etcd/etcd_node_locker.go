package etcd

import (
	"context"
	"fmt"
	"time"

	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/task_service"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	EtcdDialTimeout = 5 * time.Second
	SessionTTL      = 10 // seconds
	PrefixLocks     = "/chunkstore/locks/"
	unlockTimeout   = 5 * time.Second
)

// EtcdNodeLocker extends per-node exclusion across coordinators that share a
// metadata store. A concurrency.Mutex is re-entrant within one session, so
// goroutines of this process are serialized by a local locker first.
type EtcdNodeLocker struct {
	client  *clientv3.Client
	session *concurrency.Session
	local   *task_service.LocalNodeLocker
	ls      log_service.LogService
}

func NewEtcdNodeLocker(endpoints []string, logger *zap.Logger, ls log_service.LogService) (*EtcdNodeLocker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: EtcdDialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(SessionTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	ls.Info(log_service.LogEvent{
		Message:  "Etcd node locker ready",
		Metadata: map[string]any{"endpoints": endpoints, "lease": fmt.Sprintf("%x", session.Lease())},
	})
	return &EtcdNodeLocker{
		client:  cli,
		session: session,
		local:   task_service.NewLocalNodeLocker(),
		ls:      ls,
	}, nil
}

func lockKey(nodeID string) string {
	return PrefixLocks + nodeID
}

func (l *EtcdNodeLocker) Lock(ctx context.Context, nodeID string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	m := concurrency.NewMutex(l.session, lockKey(nodeID))
	if err := m.Lock(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("acquire etcd lock for %s: %w", nodeID, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := m.Unlock(ctx); err != nil {
			l.ls.Warn(log_service.LogEvent{
				Message:  "Failed to release etcd lock",
				Metadata: map[string]any{"node": nodeID, "key": m.Key(), "error": err.Error()},
			})
		}
		unlockLocal()
	}, nil
}

func (l *EtcdNodeLocker) Close() error {
	if err := l.session.Close(); err != nil {
		l.ls.Warn(log_service.LogEvent{
			Message:  "Failed to close etcd session",
			Metadata: map[string]any{"error": err.Error()},
		})
	}
	return l.client.Close()
}

var _ task_service.NodeLocker = (*EtcdNodeLocker)(nil)
