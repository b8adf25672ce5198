package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"postscheduler/internal/eventbus"
	logx "postscheduler/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG for retry jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	defer qt.releaseState()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.droppedStale.Add(1)
		s.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.dropped(qt.task, ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	attempts, err := s.runWithRetries(ctx, qt, rng)

	item := HistoryItem{
		ID:         qt.task.ID,
		Name:       qt.task.Name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   time.Since(start),
		Attempts:   attempts,
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, item)
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFinished, item)
	}
	s.record(item)
}

func (s *Service) runWithRetries(ctx context.Context, qt queuedTask, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + qt.opt.RetryMax
	for attempts = 1; ; attempts++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return attempts, nil
		}
		if cause, final := finalCause(err); final {
			return attempts, cause
		}
		if attempts >= maxAttempts {
			return attempts, err
		}

		delay := backoffDelay(qt.opt, attempts, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce isolates panics so one bad task cannot kill a worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay is exponential in the attempt number, honours RetryAfter
// hints and applies jitter; the result never exceeds RetryMaxDelay.
func backoffDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = opt.RetryBase
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
