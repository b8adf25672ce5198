package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrStale       = errors.New("task dropped: queued too long")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// RetryAfterError is implemented by errors that carry their own retry
// delay. Any error in the chain may implement it.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// taskError annotates a task failure with retry guidance: either final,
// or retry after a fixed delay.
type taskError struct {
	err   error
	final bool
	after time.Duration
}

func (e *taskError) Error() string {
	if e.final {
		return "no-retry: " + e.err.Error()
	}
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}

func (e *taskError) Unwrap() error             { return e.err }
func (e *taskError) RetryAfter() time.Duration { return e.after }

// NoRetry makes err final: the engine records it without further attempts.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &taskError{err: err, final: true}
}

// RetryAfter asks for the next attempt after d instead of the exponential
// backoff. The delay is still capped by RetryMaxDelay and jittered.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &taskError{err: err, after: max(d, 0)}
}

// IsNoRetry reports whether err was made final with NoRetry.
func IsNoRetry(err error) bool {
	_, ok := finalCause(err)
	return ok
}

// finalCause returns the error wrapped by NoRetry, if any.
func finalCause(err error) (error, bool) {
	var te *taskError
	if errors.As(err, &te) && te.final {
		return te.err, true
	}
	return nil, false
}
