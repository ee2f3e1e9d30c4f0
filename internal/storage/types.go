// Package storage persists finished work across restarts: terminal
// tasks from the queue and applied scaling events. The queue keeps its
// own in-memory history; this is the durable copy.
package storage

import (
	"context"
	"errors"
	"time"

	"conductor/internal/autoscaler"
	"conductor/internal/queue"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration
	Retention   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Store interface {
	SaveTask(ctx context.Context, t queue.Task) error
	RecentTasks(ctx context.Context, limit int) ([]queue.Task, error)
	SaveScalingEvent(ctx context.Context, ev autoscaler.ScalingEvent) error
	RecentScalingEvents(ctx context.Context, limit int) ([]autoscaler.ScalingEvent, error)
	Close() error
}

// nopStore satisfies Store when persistence is switched off so callers
// never nil-check.
type nopStore struct{}

func (nopStore) SaveTask(context.Context, queue.Task) error { return nil }
func (nopStore) RecentTasks(context.Context, int) ([]queue.Task, error) {
	return nil, ErrDisabled
}
func (nopStore) SaveScalingEvent(context.Context, autoscaler.ScalingEvent) error { return nil }
func (nopStore) RecentScalingEvents(context.Context, int) ([]autoscaler.ScalingEvent, error) {
	return nil, ErrDisabled
}
func (nopStore) Close() error { return nil }
