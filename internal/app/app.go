package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postscheduler/internal/config"
	"postscheduler/internal/eventbus"
	"postscheduler/internal/executor"
	"postscheduler/internal/jobs"
	"postscheduler/internal/monitor"
	"postscheduler/internal/policy"
	"postscheduler/internal/reddit"
	rtsup "postscheduler/internal/runtime/supervisor"
	"postscheduler/internal/server"
	"postscheduler/internal/storage"
	"postscheduler/internal/task/engine"
	"postscheduler/internal/task/scheduler"
	"postscheduler/internal/textgen"
	"postscheduler/internal/transport/telegram/notify"
	logx "postscheduler/pkg/logx"
)

const (
	pollTask  = "jobs.poll"
	pruneTask = "jobs.prune"
)

type App struct {
	cfgm   *config.Manager
	sup    *rtsup.Supervisor
	monSup *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	queue *jobs.Queue

	engine *engine.Service
	sched  *scheduler.Service

	reddit  *reddit.Client
	gen     textgen.Generator
	policy  *policy.Engine
	friends *policy.FriendStore

	// Built in Start: they need the run context.
	monitors *monitor.Supervisor
	exec     *executor.Executor
	dispatch *executor.Dispatcher
	intake   *executor.Intake
	http     *server.Server

	notifier *notify.Notifier
	started  time.Time
}

// New loads the config and builds every component that does not need the
// run context. Platform credentials must be complete.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RedditReady(); err != nil {
		return nil, err
	}

	var sender logx.Sender
	var notifier *notify.Notifier
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		notifier, err = notify.New(notify.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL}, logx.Nop())
		if err != nil {
			return nil, err
		}
		sender = notifier
	}
	logs, log := logx.New(mapLogging(cfg), sender)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logs,
		bus:      eventbus.New(),
		notifier: notifier,
	}
	if err := a.openQueue(cfg, log); err != nil {
		return nil, a.abort(err)
	}

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, a.engine, log.With(logx.String("comp", "scheduler")), a.bus)

	rc, err := mapReddit(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.reddit = reddit.New(rc, log)

	a.gen = textgen.Disabled{}
	if gc, ok := mapGenerator(cfg); ok {
		g, err := textgen.NewGenAI(context.Background(), gc, log)
		if err != nil {
			return nil, a.abort(err)
		}
		a.gen = g
	} else {
		appLog.Warn("generator disabled: no api key; summaries and generated replies are skipped")
	}
	a.policy = policy.NewEngine(a.reddit, a.reddit, a.gen, mapPolicy(cfg), log)
	a.friends = policy.NewFriendStore(mapFriends(cfg))
	return a, nil
}

// OpenQueue opens only the job store, for offline queue inspection.
// Credentials are not required. Close the returned store when done.
func OpenQueue(ctx context.Context, cfgPath string) (*jobs.Queue, storage.Store, *config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logx.NewConsole("warn")
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return jobs.NewQueue(st, log), st, cfg, nil
}

func (a *App) openQueue(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	a.store = st
	a.queue = jobs.NewQueue(st, log)

	// Actions left firing by a previous run are not retried: their outcome
	// on the platform is unknown.
	if _, err := a.queue.RecoverInterrupted(ctx); err != nil {
		return err
	}
	a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	return nil
}

// abort releases what New already opened.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Done is closed when the app stops or fails fatally.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	log := a.logs.Logger()

	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateRuntime(c) })
	if err := validateRuntime(cfg); err != nil {
		return err
	}

	// A monitor ending with an error must not take the app down with it.
	a.monSup = rtsup.NewSupervisor(a.sup.Context(), rtsup.WithLogger(log.With(logx.String("comp", "monitor"))), rtsup.WithCancelOnError(false))
	monCfg, _ := mapMonitor(cfg)
	a.monitors = monitor.New(a.monSup, a.reddit, a.policy, monCfg, log, a.bus)
	a.exec = executor.New(a.reddit, a.monitors, log, a.bus)
	dc, _ := mapDispatch(cfg)
	a.dispatch = executor.NewDispatcher(a.queue, a.engine, a.exec, dc, log, a.bus)
	a.intake = executor.NewIntake(a.queue, a.exec, mapLocation(cfg), log)

	a.engine.Start(a.sup.Context())
	if err := a.registerSchedules(cfg); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	hc, _ := mapHTTP(cfg)
	a.http = server.New(hc, server.Deps{
		Intake:   a.intake,
		Jobs:     a.queue,
		Monitors: a.monitors,
		Friends:  a.friends,
		Health:   a.health,
	}, log)
	a.http.Start(a.sup.Context())

	if n := a.monitors.StartTrackedAccounts(mapTrackedAccounts(cfg), a.friends); n > 0 {
		a.log.Info("monitor.tracked_started", logx.Int("count", n))
	}

	if a.notifier != nil && cfg.Telegram.Alerts.Enabled {
		alerts := notify.NewAlerts(a.notifier, notify.AlertConfig{
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.Alerts.ThreadID,
			Events:   cfg.Telegram.Alerts.Events,
		}, log)
		a.sup.Go("telegram.alerts", func(c context.Context) error { return alerts.Run(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// validateRuntime checks what only the app can: schedule syntax.
func validateRuntime(cfg *config.Config) error {
	var errs []error
	for _, fn := range []func() error{
		func() error { _, err := mapTaskEngine(cfg); return err },
		func() error { _, err := mapMonitor(cfg); return err },
		func() error { _, err := mapDispatch(cfg); return err },
		func() error { _, err := mapHTTP(cfg); return err },
		func() error {
			spec, _, err := mapPrune(cfg)
			if err != nil || spec == "" {
				return err
			}
			if _, err := scheduler.ParseSchedule(spec); err != nil {
				return fmt.Errorf("jobs.prune_schedule: %w", err)
			}
			return nil
		},
	} {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// registerSchedules (re)registers the due-action poll and the prune job.
// Registration replaces by name.
func (a *App) registerSchedules(cfg *config.Config) error {
	every, err := mapPollInterval(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.AddTicker(pollTask, every, 30*time.Second, a.dispatch.Poll); err != nil {
		return err
	}

	spec, retention, err := mapPrune(cfg)
	if err != nil {
		return err
	}
	if spec == "" {
		a.sched.Remove(pruneTask)
		return nil
	}
	return a.sched.AddSchedule(pruneTask, spec, time.Minute, scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}, func(ctx context.Context) error {
		n, err := a.queue.Prune(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("jobs.pruned", logx.Int("count", n), logx.Duration("retention", retention))
		}
		return nil
	})
}

func (a *App) applyConfig(ctx context.Context, last, next *config.Config) {
	sections, attrs := config.SummarizeChange(last, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if ec, err := mapTaskEngine(next); err == nil {
		a.engine.Apply(ctx, ec)
	}
	a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone})
	if err := a.registerSchedules(next); err != nil {
		a.log.Warn("schedule update failed; keeping previous", logx.Err(err))
	}
	if dc, err := mapDispatch(next); err == nil {
		a.dispatch.Apply(dc)
	}
	if mc, err := mapMonitor(next); err == nil {
		a.monitors.Apply(mc)
	}
	a.policy.Apply(mapPolicy(next))
	for _, s := range sections {
		// The settings endpoint also writes the friend policy; only an
		// edit of the file's policy section overrides it.
		if s == "policy" {
			a.friends.Store(mapFriends(next))
		}
	}
	if hc, err := mapHTTP(next); err == nil {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}

type runtimeHealth struct {
	App      rtsup.Counters `json:"app"`
	Monitors rtsup.Counters `json:"monitors"`
}

type health struct {
	Status    string             `json:"status"`
	Uptime    string             `json:"uptime"`
	Pending   int                `json:"pending"`
	Monitors  int                `json:"monitors"`
	Generator bool               `json:"generator"`
	Friends   policy.Friends     `json:"friends"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Dropped   uint64             `json:"events_dropped"`
	Runtime   runtimeHealth      `json:"runtime"`
	Error     string             `json:"error,omitempty"`
}

func (a *App) health(ctx context.Context) any {
	h := health{
		Status:    "ok",
		Uptime:    time.Since(a.started).Truncate(time.Second).String(),
		Monitors:  a.monitors.Active(),
		Friends:   a.friends.Load(),
		Scheduler: a.sched.Snapshot(),
		Dropped:   a.bus.Dropped(),
		Runtime: runtimeHealth{
			App:      a.sup.Snapshot().Counters,
			Monitors: a.monSup.Snapshot().Counters,
		},
	}
	_, h.Generator = a.gen.(*textgen.GenAI)
	pending, err := a.queue.List(ctx, jobs.Pending, 0)
	if err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
	}
	h.Pending = len(pending)
	return h
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.abort(nil)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Intake first so nothing new arrives, then triggers, then workers. Start
	// may have failed part way, so later components can be missing.
	if a.http != nil {
		step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	}
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.monSup != nil {
		step("monitors", 3*time.Second, func(c context.Context) error {
			err := a.monitors.StopAll(c)
			a.monSup.Cancel()
			return errors.Join(err, a.monSup.Wait(c))
		})
	}

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
