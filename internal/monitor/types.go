// Package monitor runs and tracks the long-lived watchers that react to new
// comments on scheduled posts and to new posts by tracked accounts.
package monitor

import (
	"context"
	"errors"
	"time"

	"postscheduler/internal/platform"
	"postscheduler/internal/policy"
	"postscheduler/internal/stream"
)

var (
	// ErrCapacity is returned by Start when max_active monitors are running.
	ErrCapacity = errors.New("monitor capacity reached")
	ErrUnknown  = errors.New("unknown monitor kind")
)

type Kind string

const (
	CommentsOnSubmission Kind = "comments_on_submission"
	SubmissionsByUser    Kind = "submissions_by_user"
)

type Config struct {
	// MaxActive caps running monitors; 0 means unlimited.
	MaxActive int
	Stream    stream.Config
}

// Handler reacts to one event.
type Handler interface {
	Handle(ctx context.Context, ev platform.Event, pol policy.Policy) policy.Outcome
}

// Info is a point-in-time view of a monitor.
type Info struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Ref         string        `json:"ref"`
	Policy      policy.Policy `json:"policy"`
	StartedAt   time.Time     `json:"started_at"`
	EventsSeen  int64         `json:"events_seen"`
	LastEventAt time.Time     `json:"last_event_at,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
}
