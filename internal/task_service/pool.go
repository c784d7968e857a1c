package task_service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AnishMulay/chunkstore/internal/log_service"
)

type Options struct {
	Workers   int
	QueueSize int
	Locker    NodeLocker
	// OnResult is called from the worker goroutine after every job.
	OnResult func(Result)
}

type jobKey struct {
	nodeID string
	kind   JobKind
}

// Pool runs node jobs on a fixed set of workers. Submit never blocks: a full
// queue or an identical job already queued or running rejects the job.
type Pool struct {
	opts  Options
	queue chan Job
	ls    log_service.LogService

	mu      sync.Mutex
	pending map[jobKey]bool
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(opts Options, ls log_service.LogService) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalNodeLocker()
	}
	return &Pool{
		opts:    opts,
		queue:   make(chan Job, opts.QueueSize),
		ls:      ls,
		pending: make(map[jobKey]bool),
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.ls.Info(log_service.LogEvent{
		Message:  "Task pool started",
		Metadata: map[string]any{"workers": p.opts.Workers, "queueSize": p.opts.QueueSize},
	})
}

// Stop cancels running jobs and waits for the workers to exit. Queued jobs
// are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.ls.Info(log_service.LogEvent{Message: "Task pool stopped"})
}

func (p *Pool) Submit(job Job) error {
	key := jobKey{job.NodeID, job.Kind}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.pending[key] {
		p.ls.Debug(log_service.LogEvent{
			Message:  "Job already pending, skipping",
			Metadata: map[string]any{"node": job.NodeID, "kind": string(job.Kind)},
		})
		return ErrDuplicateJob
	}

	select {
	case p.queue <- job:
		p.pending[key] = true
		return nil
	default:
		p.ls.Warn(log_service.LogEvent{
			Message:  "Task queue full, job rejected",
			Metadata: map[string]any{"node": job.NodeID, "kind": string(job.Kind)},
		})
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.run(ctx, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	start := time.Now()
	err := p.runLocked(ctx, job)

	p.mu.Lock()
	delete(p.pending, jobKey{job.NodeID, job.Kind})
	p.mu.Unlock()

	res := Result{Job: job, Err: err, Duration: time.Since(start)}
	if err != nil {
		p.ls.Warn(log_service.LogEvent{
			Message:  "Job failed",
			Metadata: map[string]any{"node": job.NodeID, "kind": string(job.Kind), "error": err.Error()},
		})
	} else {
		p.ls.Info(log_service.LogEvent{
			Message:  "Job finished",
			Metadata: map[string]any{"node": job.NodeID, "kind": string(job.Kind), "duration": res.Duration.String()},
		})
	}
	if p.opts.OnResult != nil {
		p.opts.OnResult(res)
	}
}

func (p *Pool) runLocked(ctx context.Context, job Job) (err error) {
	unlock, err := p.opts.Locker.Lock(ctx, job.NodeID)
	if err != nil {
		return fmt.Errorf("lock node %s: %w", job.NodeID, err)
	}
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}
