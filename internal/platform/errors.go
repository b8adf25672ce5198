package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when the platform throttled the request.
	ErrRateLimited = errors.New("platform: rate limited")
	// ErrAPI is a request the platform rejected.
	ErrAPI = errors.New("platform: api error")
	// ErrTransport covers network failures and unreadable responses.
	ErrTransport = errors.New("platform: transport error")
)

// Error carries the failing operation and, when known, the HTTP status.
// It matches its Kind and its cause with errors.Is.
type Error struct {
	Op     string
	Kind   error
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify returns the sentinel kind of err, or nil when err is not a
// platform error.
func Classify(err error) error {
	for _, k := range []error{ErrRateLimited, ErrAPI, ErrTransport} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
