package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"postscheduler/internal/eventbus"
	"postscheduler/internal/task/engine"
	logx "postscheduler/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) addCronLocked(d *scheduleDef) error {
	var job cron.Job
	switch d.kind {
	case kindTicker:
		job = cron.FuncJob(func() { s.tick(d) })
	default:
		job = cron.FuncJob(func() { s.trigger(d) })
	}

	if d.every > 0 {
		sched := cron.Schedule(cron.Every(d.every))
		d.stagger = 0
		if d.kind == kindTask {
			sched, d.stagger = staggeredEvery(d.name, d.every, time.Now().In(s.loc))
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// trigger hands a task schedule over to the engine.
func (s *Service) trigger(d *scheduleDef) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
	s.reportEnqueueError(d.name, err)
}

// tick runs a ticker on the goroutine cron started for this trigger. A slow
// tick only delays its own next run.
func (s *Service) tick(d *scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		n := d.skipped.Add(1)
		s.log.Debug("tick skipped: previous still running", logx.String("schedule", d.name), logx.Int64("skipped_total", int64(n)))
		s.publish(eventbus.TaskSkipped, engine.HistoryItem{Name: d.name, Started: time.Now(), Error: "overlap_skip"})
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked", logx.String("schedule", d.name), logx.Any("panic", r))
		}
	}()
	if err := d.job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("tick failed", logx.String("schedule", d.name), logx.Err(err))
	}
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
