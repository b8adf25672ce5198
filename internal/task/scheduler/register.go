package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"postscheduler/internal/task/engine"
	logx "postscheduler/pkg/logx"
)

// AddSchedule parses schedule (see ParseSchedule) and registers a task that
// is enqueued into the engine on every trigger. Registering an existing
// name replaces it.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, opt, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.add(&scheduleDef{kind: kindTask, name: name, spec: spec, timeout: timeout, job: job, opt: opt})
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(&scheduleDef{kind: kindTask, name: name, spec: "@every " + every.String(), every: every, timeout: timeout, job: job, opt: opt})
}

// AddTicker registers job to run inline on the cron goroutine every
// interval. A tick that would start while the previous one is still running
// is skipped and counted.
func (s *Service) AddTicker(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(&scheduleDef{
		kind:    kindTicker,
		name:    name,
		spec:    "@every " + every.String(),
		every:   every,
		timeout: timeout,
		job:     job,
		running: &atomic.Bool{},
		skipped: &atomic.Uint64{},
	})
}

func (s *Service) add(d *scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}
	if d.opt.Overlap == OverlapAllow && d.kind == kindTask {
		// Recurring tasks default to skip-if-running.
		d.opt.Overlap = OverlapSkipIfRunning
	}
	d.state = &engine.RunState{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout))
	return nil
}

// Remove unregisters the schedule with the given name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name != name {
			s.defs[n] = d
			n++
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		removed = true
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}
