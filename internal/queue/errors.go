package queue

import "errors"

var (
	ErrQueueFull         = errors.New("task queue full")
	ErrStopped           = errors.New("task queue stopped")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrUnknownDependency = errors.New("unknown dependency")
)
