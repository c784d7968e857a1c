package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnishMulay/chunkstore/internal/chunk_replicator"
	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/cluster_service/monitor"
	grpccomm "github.com/AnishMulay/chunkstore/internal/communication/grpc"
	"github.com/AnishMulay/chunkstore/internal/config"
	"github.com/AnishMulay/chunkstore/internal/file_service/replicated"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	locallog "github.com/AnishMulay/chunkstore/internal/log_service/localdisc"
	"github.com/AnishMulay/chunkstore/internal/log_service/zaplog"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	sqlitemeta "github.com/AnishMulay/chunkstore/internal/metadata_service/sqlite"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"github.com/AnishMulay/chunkstore/internal/object_node"
	memnode "github.com/AnishMulay/chunkstore/internal/object_node/inmemory"
	disknode "github.com/AnishMulay/chunkstore/internal/object_node/localdisc"
	minionode "github.com/AnishMulay/chunkstore/internal/object_node/minio"
	"github.com/AnishMulay/chunkstore/internal/placement_service"
	"github.com/AnishMulay/chunkstore/internal/rebalance_service"
	"github.com/AnishMulay/chunkstore/internal/repair_service"
	"github.com/AnishMulay/chunkstore/internal/task_service"
	etcdlock "github.com/AnishMulay/chunkstore/internal/task_service/etcd"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	bucketTimeout   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	ConfigPath string
	// ListenAddr overrides the configured gRPC address when set.
	ListenAddr  string
	Development bool
}

type closer interface {
	Close() error
}

// Coordinator owns every long-running part of one chunkstore process.
type Coordinator struct {
	cfg      config.Config
	ls       log_service.LogService
	registry *cluster_service.Registry
	meta     metadata_service.MetadataService
	pool     *task_service.Pool
	monitor  *monitor.HealthMonitor
	grpc     *grpccomm.GRPCServer
	metrics  *http.Server

	closers []closer
	cancel  context.CancelFunc
}

// Build loads configuration and wires config, logging, nodes, metadata,
// registry, pool, repair and rebalance, monitor, file service and the gRPC
// and metrics servers. Nothing runs until Start.
func Build(opts Options) (*Coordinator, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	return BuildFromConfig(cfg, opts.Development)
}

func BuildFromConfig(cfg config.Config, development bool) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{cfg: cfg}

	// 1. Logging
	zl, err := zaplog.NewZapLogService(cfg.NodeID, cfg.LogLevel, development)
	if err != nil {
		return nil, err
	}
	c.ls = zl
	if cfg.LogDir != "" {
		dl, err := locallog.NewLocalDiscLogService(cfg.LogDir, cfg.NodeID, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		c.ls = dl
		c.closers = append(c.closers, dl)
	}

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Storage nodes and their health registry
	nodes, err := c.buildNodes()
	if err != nil {
		c.close()
		return nil, err
	}
	c.registry = cluster_service.NewRegistry(nodes)

	// 4. Metadata
	meta, err := sqlitemeta.NewSQLiteMetadataService(cfg.MetadataPath, c.ls)
	if err != nil {
		c.close()
		return nil, err
	}
	c.meta = meta
	c.closers = append(c.closers, meta)

	// 5. Background work
	var locker task_service.NodeLocker
	if len(cfg.EtcdEndpoints) > 0 {
		el, err := etcdlock.NewEtcdNodeLocker(cfg.EtcdEndpoints, zl.Logger().Named("etcd"), c.ls)
		if err != nil {
			c.close()
			return nil, err
		}
		locker = el
		c.closers = append(c.closers, el)
	}

	replicator := chunk_replicator.NewDefaultChunkReplicator(c.registry, chunk_replicator.Options{
		Bucket:  cfg.Bucket,
		Retries: cfg.RepairRetries,
		Backoff: cfg.RepairBackoff,
	}, c.ls)
	repair := repair_service.NewRepairService(meta, c.registry, replicator, cfg.ReplicationFactor, m, c.ls)
	rebalance := rebalance_service.NewRebalanceService(meta, c.registry, replicator, cfg.ReplicationFactor, m, c.ls)

	// The monitor is created after the pool but receives its results.
	var hm *monitor.HealthMonitor
	c.pool = task_service.NewPool(task_service.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Locker:    locker,
		OnResult:  func(res task_service.Result) { hm.HandleResult(res) },
	}, c.ls)
	hm = monitor.NewHealthMonitor(c.registry, c.pool, monitor.Options{
		Interval:     cfg.HealthInterval,
		ProbeTimeout: cfg.ProbeTimeout,
		OnDown:       repair.HandleNodeDown,
		OnUp:         rebalance.HandleNodeUp,
	}, m, c.ls)
	c.monitor = hm

	// 6. File service and gateways
	fs := replicated.NewReplicatedFileService(
		meta,
		c.registry,
		placement_service.NewRoundRobinPlacement(c.registry, cfg.ReplicationFactor),
		replicated.Options{ChunkSize: cfg.ChunkSize, Bucket: cfg.Bucket},
		m,
		c.ls,
	)
	c.grpc = grpccomm.NewGRPCServer(cfg.ListenAddr, fs, c.ls)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		c.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	return c, nil
}

func (c *Coordinator) buildNodes() ([]cluster_service.Node, error) {
	nodes := make([]cluster_service.Node, 0, len(c.cfg.Nodes))
	for _, nc := range c.cfg.Nodes {
		var (
			client object_node.ObjectNode
			err    error
		)
		switch nc.Backend {
		case config.BackendMinio:
			client, err = minionode.NewMinioObjectNode(minionode.Options{
				Endpoint:  nc.Endpoint,
				AccessKey: nc.AccessKey,
				SecretKey: nc.SecretKey,
				UseSSL:    nc.UseSSL,
			}, c.ls)
		case config.BackendLocalDisc:
			client, err = disknode.NewLocalDiscObjectNode(nc.Dir, c.ls)
		case config.BackendInMemory:
			client = memnode.NewInMemoryObjectNode("mem://" + nc.ID)
		default:
			err = fmt.Errorf("%w: %s", config.ErrUnknownBackend, nc.Backend)
		}
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.ID, err)
		}
		nodes = append(nodes, cluster_service.Node{ID: nc.ID, Client: client})

		c.ls.Info(log_service.LogEvent{
			Message:  "Storage node configured",
			Metadata: map[string]any{"node": nc.ID, "backend": nc.Backend, "endpoint": client.Endpoint()},
		})
	}
	return nodes, nil
}

// ensureBuckets creates the bucket on every reachable node. Unreachable
// nodes get it from rebalance once they come up.
func (c *Coordinator) ensureBuckets(ctx context.Context) {
	for _, n := range c.registry.Nodes() {
		bctx, cancel := context.WithTimeout(ctx, bucketTimeout)
		err := object_node.EnsureBucket(bctx, n.Client, c.cfg.Bucket)
		cancel()
		if err != nil {
			c.ls.Warn(log_service.LogEvent{
				Message:  "Could not ensure bucket on node",
				Metadata: map[string]any{"node": n.ID, "bucket": c.cfg.Bucket, "error": err.Error()},
			})
		}
	}
}

func (c *Coordinator) Address() string {
	return c.grpc.Address()
}

func (c *Coordinator) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.ensureBuckets(ctx)
	c.pool.Start(ctx)
	c.monitor.Start(ctx)

	if err := c.grpc.Start(); err != nil {
		c.Stop()
		return err
	}

	if c.metrics != nil {
		go func() {
			if err := c.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.ls.Error(log_service.LogEvent{
					Message:  "Metrics server error",
					Metadata: map[string]any{"address": c.cfg.MetricsAddr, "error": err.Error()},
				})
			}
		}()
	}

	c.ls.Info(log_service.LogEvent{
		Message: "Coordinator started",
		Metadata: map[string]any{
			"grpc":              c.grpc.Address(),
			"metrics":           c.cfg.MetricsAddr,
			"nodes":             len(c.cfg.Nodes),
			"replicationFactor": c.cfg.ReplicationFactor,
			"chunkSize":         c.cfg.ChunkSize,
		},
	})
	return nil
}

// Stop shuts down in reverse start order and closes the stores.
func (c *Coordinator) Stop() {
	_ = c.grpc.Stop()
	if c.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = c.metrics.Shutdown(ctx)
		cancel()
	}
	c.monitor.Stop()
	c.pool.Stop()
	if c.cancel != nil {
		c.cancel()
	}

	c.ls.Info(log_service.LogEvent{Message: "Coordinator stopped"})
	c.close()
}

func (c *Coordinator) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			c.ls.Warn(log_service.LogEvent{
				Message:  "Close failed during shutdown",
				Metadata: map[string]any{"error": err.Error()},
			})
		}
	}
	c.closers = nil
	if zl, ok := c.ls.(interface{ Sync() error }); ok {
		_ = zl.Sync()
	}
}

// Run starts the coordinator and blocks until SIGINT or SIGTERM.
func (c *Coordinator) Run() error {
	if err := c.Start(context.Background()); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	c.Stop()
	return nil
}
