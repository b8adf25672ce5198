// Package engine is the bounded worker pool that executes fired actions and
// housekeeping tasks handed over by the scheduler.
package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a task while another one sharing its
	// RunState is queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
	// RetryMax: 0 uses the engine default, negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// RunState tracks whether a task is queued or running.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	// State gates OverlapSkipIfRunning. Tasks without one share a state per
	// Name.
	State *RunState
	// OnDrop is called when an accepted task will never run: it went stale
	// in the queue or the engine stopped first. It runs on an engine
	// goroutine and must not block.
	OnDrop func(err error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent = HistoryItem

type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
	InFlight int `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history,omitempty"`
}
