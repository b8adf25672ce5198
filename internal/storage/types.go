package storage

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("job not found")
	// ErrLocked is returned by Open when another scheduler already owns
	// the database.
	ErrLocked = errors.New("storage in use by another scheduler")
	// ErrConflict is returned when a transition does not match the job's
	// current state, e.g. replacing a job that is firing.
	ErrConflict = errors.New("job state conflict")
)

// Config configures the job store.
//
// Driver values: "file" (default), "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

type State string

const (
	StatePending   State = "pending"
	StateFiring    State = "firing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateFiring, StateCompleted, StateFailed:
		return true
	}
	return false
}

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Job is one durable queue record. Payload is opaque to the store.
type Job struct {
	ID         string          `json:"id"`
	TargetTime time.Time       `json:"target_time"`
	Payload    json.RawMessage `json:"payload"`
	State      State           `json:"state"`
	Attempts   int             `json:"attempts"`
	ResultLink string          `json:"result_link,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Filter narrows ListJobs. Zero value lists everything.
type Filter struct {
	State State
	Limit int
}

func (f Filter) match(j Job) bool {
	return f.State == "" || j.State == f.State
}

// sortJobs orders by target time, then id, which is the firing order.
func sortJobs(js []Job) {
	sort.SliceStable(js, func(a, b int) bool {
		if !js[a].TargetTime.Equal(js[b].TargetTime) {
			return js[a].TargetTime.Before(js[b].TargetTime)
		}
		return js[a].ID < js[b].ID
	})
}

// timestamps are persisted with millisecond precision by every driver.
func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
