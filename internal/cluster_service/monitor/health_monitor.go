// Package monitor probes storage nodes on a fixed interval and turns UP/DOWN
// transitions into repair and rebalance jobs.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AnishMulay/chunkstore/internal/cluster_service"
	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metrics"
	"github.com/AnishMulay/chunkstore/internal/task_service"
)

// NodeHandler reacts to a node transition. It runs on the task pool.
type NodeHandler func(ctx context.Context, nodeID string) error

// Submitter is the part of task_service.Pool the monitor needs.
type Submitter interface {
	Submit(job task_service.Job) error
}

type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	OnDown       NodeHandler
	OnUp         NodeHandler
}

// HealthMonitor is the only writer of the registry's status vector.
type HealthMonitor struct {
	registry *cluster_service.Registry
	pool     Submitter
	opts     Options
	metrics  *metrics.Metrics
	ls       log_service.LogService

	// probe is replaceable in tests.
	probe func(ctx context.Context, node cluster_service.Node) error

	mu    sync.Mutex
	retry map[string]task_service.JobKind

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthMonitor(registry *cluster_service.Registry, pool Submitter, opts Options, m *metrics.Metrics, ls log_service.LogService) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		pool:     pool,
		opts:     opts,
		metrics:  m,
		ls:       ls,
		probe:    listBuckets,
		retry:    make(map[string]task_service.JobKind),
	}
}

func listBuckets(ctx context.Context, node cluster_service.Node) error {
	_, err := node.Client.ListBuckets(ctx)
	return err
}

// Start runs the probe loop in a new goroutine. The first cycle starts
// immediately.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	for _, n := range h.registry.Nodes() {
		h.metrics.NodeUp.WithLabelValues(n.ID).Set(1)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.opts.Interval)
		defer ticker.Stop()

		h.ls.Info(log_service.LogEvent{
			Message:  "Health monitor started",
			Metadata: map[string]any{"interval": h.opts.Interval.String(), "nodes": len(h.registry.Nodes())},
		})

		h.CheckOnce(ctx)
		for {
			select {
			case <-ticker.C:
				h.CheckOnce(ctx)
			case <-ctx.Done():
				h.ls.Info(log_service.LogEvent{Message: "Health monitor stopping"})
				return
			}
		}
	}()
}

func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// CheckOnce runs one probe cycle: every node is probed in parallel, then
// transitions and pending retries are handed to the pool.
func (h *HealthMonitor) CheckOnce(ctx context.Context) {
	nodes := h.registry.Nodes()
	results := make([]bool, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node cluster_service.Node) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.opts.ProbeTimeout)
			defer cancel()
			err := h.probe(pctx, node)
			if err != nil {
				h.ls.Debug(log_service.LogEvent{
					Message:  "Probe failed",
					Metadata: map[string]any{"node": node.ID, "error": err.Error()},
				})
			}
			results[i] = err == nil
		}(i, node)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	for i, node := range nodes {
		up := results[i]
		if up {
			h.metrics.NodeUp.WithLabelValues(node.ID).Set(1)
		} else {
			h.metrics.NodeUp.WithLabelValues(node.ID).Set(0)
		}

		if h.registry.SetStatus(node.ID, up) {
			h.transition(node.ID, up)
			continue
		}
		h.resubmit(node.ID, up)
	}
}

func (h *HealthMonitor) transition(nodeID string, up bool) {
	kind := task_service.KindRepair
	state := "DOWN"
	if up {
		kind = task_service.KindRebalance
		state = "UP"
	}
	h.ls.Warn(log_service.LogEvent{
		Message:  "Node status changed",
		Metadata: map[string]any{"node": nodeID, "status": state},
	})

	h.submit(nodeID, kind)
}

func (h *HealthMonitor) resubmit(nodeID string, up bool) {
	h.mu.Lock()
	kind, ok := h.retry[nodeID]
	h.mu.Unlock()
	if !ok || kindFor(up) != kind {
		return
	}
	h.ls.Info(log_service.LogEvent{
		Message:  "Retrying node job",
		Metadata: map[string]any{"node": nodeID, "kind": string(kind)},
	})
	h.submit(nodeID, kind)
}

func (h *HealthMonitor) submit(nodeID string, kind task_service.JobKind) {
	handler := h.opts.OnDown
	if kind == task_service.KindRebalance {
		handler = h.opts.OnUp
	}
	if handler == nil {
		return
	}

	// Cleared before Submit so a fast failing job can re-arm it.
	h.mu.Lock()
	delete(h.retry, nodeID)
	h.mu.Unlock()

	err := h.pool.Submit(task_service.Job{
		NodeID: nodeID,
		Kind:   kind,
		Run:    func(ctx context.Context) error { return handler(ctx, nodeID) },
	})
	if err == nil || errors.Is(err, task_service.ErrDuplicateJob) {
		return
	}

	h.mu.Lock()
	h.retry[nodeID] = kind
	h.mu.Unlock()
}

// HandleResult is wired as the pool's OnResult hook. A failed job is
// submitted again on the next cycle while the node keeps the state that
// triggered it.
func (h *HealthMonitor) HandleResult(res task_service.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if res.Err == nil {
		if h.retry[res.Job.NodeID] == res.Job.Kind {
			delete(h.retry, res.Job.NodeID)
		}
		return
	}
	if kindFor(h.registry.IsUp(res.Job.NodeID)) == res.Job.Kind {
		h.retry[res.Job.NodeID] = res.Job.Kind
	}
}

func kindFor(up bool) task_service.JobKind {
	if up {
		return task_service.KindRebalance
	}
	return task_service.KindRepair
}
