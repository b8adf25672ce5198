// Package jobs is the durable, time-ordered queue of scheduled post actions.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"postscheduler/internal/storage"
)

var (
	// ErrValidation marks a request that can never become a valid Action.
	ErrValidation = errors.New("invalid action")
	// ErrStorage wraps any failure of the underlying job store.
	ErrStorage  = errors.New("job storage error")
	ErrNotFound = storage.ErrNotFound
	// ErrFiring is returned when replacing an action that is being executed.
	ErrFiring = errors.New("action is firing")
)

type State = storage.State

const (
	Pending   = storage.StatePending
	Firing    = storage.StateFiring
	Completed = storage.StateCompleted
	Failed    = storage.StateFailed
)

// Payload is what gets posted and how the resulting post is watched.
type Payload struct {
	Subreddit string `json:"subreddit"`
	Title     string `json:"title"`
	Text      string `json:"text,omitempty"`
	Link      string `json:"link,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	VideoPath string `json:"video_path,omitempty"`

	LikeComments    bool   `json:"like_comments,omitempty"`
	ReplyToComments bool   `json:"reply_to_comments,omitempty"`
	ReplyMessage    string `json:"reply_message,omitempty"`
}

// Validate checks the fields every submission needs.
func (p Payload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Subreddit) == "" {
		missing = append(missing, "subreddit")
	}
	if strings.TrimSpace(p.Title) == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if strings.ContainsAny(p.Subreddit, "/ ") {
		return fmt.Errorf("%w: subreddit %q must be a bare name", ErrValidation, p.Subreddit)
	}
	return nil
}

// Action is a scheduled post as seen by callers of the queue.
type Action struct {
	ID         string    `json:"id"`
	TargetTime time.Time `json:"target_time"`
	Payload    Payload   `json:"payload"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	ResultLink string    `json:"result_link,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewID derives an action id from the subreddit and the submission time,
// formatted as "<subreddit>_<unix seconds with microsecond fraction>".
func NewID(subreddit string, at time.Time) string {
	return fmt.Sprintf("%s_%.6f", subreddit, float64(at.UnixMicro())/1e6)
}

func fromJob(j storage.Job) (Action, error) {
	a := Action{
		ID:         j.ID,
		TargetTime: j.TargetTime,
		State:      j.State,
		Attempts:   j.Attempts,
		ResultLink: j.ResultLink,
		LastError:  j.LastError,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if err := json.Unmarshal(j.Payload, &a.Payload); err != nil {
		return a, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	return a, nil
}

func toJob(a Action) (storage.Job, error) {
	b, err := json.Marshal(a.Payload)
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:         a.ID,
		TargetTime: a.TargetTime,
		Payload:    b,
		State:      a.State,
		Attempts:   a.Attempts,
		ResultLink: a.ResultLink,
		LastError:  a.LastError,
	}, nil
}
