package task_service

import (
	"context"
	"time"
)

type JobKind string

const (
	KindRepair    JobKind = "repair"
	KindRebalance JobKind = "rebalance"
)

// Job is one unit of background work tied to a storage node. Jobs for the
// same node never run at the same time.
type Job struct {
	NodeID string
	Kind   JobKind
	Run    func(ctx context.Context) error
}

type Result struct {
	Job      Job
	Err      error
	Duration time.Duration
}

// NodeLocker serializes work per node. The returned func releases the lock.
type NodeLocker interface {
	Lock(ctx context.Context, nodeID string) (unlock func(), err error)
}
