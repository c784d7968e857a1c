package task_service

import "errors"

var (
	ErrQueueFull    = errors.New("task queue is full")
	ErrDuplicateJob = errors.New("job already pending for node")
	ErrPoolStopped  = errors.New("task pool stopped")
)
