package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"postscheduler/internal/eventbus"
	"postscheduler/internal/jobs"
	"postscheduler/internal/task/engine"
	logx "postscheduler/pkg/logx"
)

type DispatchConfig struct {
	// BatchSize caps actions claimed per poll; 0 claims all due actions.
	BatchSize int
	// ActionTimeout bounds one submission including media upload.
	ActionTimeout time.Duration
}

// Dispatcher moves due actions from the queue onto the task engine. Poll is
// meant to run on a fixed cadence; it never executes an action itself.
type Dispatcher struct {
	q    *jobs.Queue
	eng  *engine.Service
	exec *Executor
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	mu  sync.RWMutex
	cfg DispatchConfig
}

func NewDispatcher(q *jobs.Queue, eng *engine.Service, exec *Executor, cfg DispatchConfig, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	return &Dispatcher{q: q, eng: eng, exec: exec, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "dispatch")), bus: bus, now: time.Now}
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 5 * time.Minute
	}
	return c
}

// Apply takes effect from the next poll.
func (d *Dispatcher) Apply(cfg DispatchConfig) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() DispatchConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Poll claims every due action and hands it to the engine. A storage
// failure skips this poll; the next one retries.
func (d *Dispatcher) Poll(ctx context.Context) error {
	cfg := d.config()
	due, err := d.q.Due(ctx, d.now(), cfg.BatchSize)
	if err != nil {
		d.log.Warn("scheduler.poll_failed", logx.Err(err))
	}
	for _, a := range due {
		d.dispatch(ctx, a, cfg.ActionTimeout)
	}
	return nil
}

// dispatch waits for queue room, bounded by the poll's ctx. Actions that
// cannot be handed over in time go back to pending.
func (d *Dispatcher) dispatch(ctx context.Context, a jobs.Action, timeout time.Duration) {
	err := d.eng.Submit(ctx, engine.Task{
		ID:      a.ID,
		Name:    "action",
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return d.fire(ctx, a) },
		// An action fires at most once.
		Opt:    engine.TaskOptions{RetryMax: -1},
		OnDrop: func(err error) { d.release(a.ID, err) },
	})
	if err != nil {
		d.release(a.ID, err)
		return
	}
	d.log.Debug("action.dispatched", logx.String("id", a.ID), logx.Duration("late", d.now().Sub(a.TargetTime)))
}

// release puts an action the engine did not accept back to pending.
func (d *Dispatcher) release(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.q.Release(ctx, id); err != nil {
		d.log.Error("action.release_failed", logx.String("id", id), logx.Err(err))
		return
	}
	d.log.Warn("action.released", logx.String("id", id), logx.Err(cause))
	d.publish(eventbus.ActionReleased, actionEvent{ID: id}, cause)
}

func (d *Dispatcher) fire(ctx context.Context, a jobs.Action) error {
	d.log.Info("action.fired", logx.String("id", a.ID), logx.String("subreddit", a.Payload.Subreddit), logx.String("title", a.Payload.Title))
	d.publish(eventbus.ActionFired, actionEvent{ID: a.ID}, nil)

	res := d.exec.Run(ctx, a.Payload)

	// The terminal state is written even if the action's own deadline passed.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if res.Success {
		if err := d.q.Complete(sctx, a.ID, res.Link); err != nil {
			return engine.NoRetry(err)
		}
		d.publish(eventbus.ActionCompleted, actionEvent{ID: a.ID, Link: res.Link}, nil)
		return nil
	}
	cause := "unknown error"
	if res.Err != nil {
		cause = res.Err.Error()
	}
	if err := d.q.Fail(sctx, a.ID, cause); err != nil {
		return engine.NoRetry(errors.Join(res.Err, err))
	}
	d.publish(eventbus.ActionFailed, actionEvent{ID: a.ID}, res.Err)
	return nil
}

type actionEvent struct {
	ID    string `json:"id"`
	Link  string `json:"link,omitempty"`
	Error string `json:"error,omitempty"`
}

func (d *Dispatcher) publish(typ string, ev actionEvent, err error) {
	if d.bus == nil {
		return
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
