package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postscheduler/internal/eventbus"
	rtsup "postscheduler/internal/runtime/supervisor"
	logx "postscheduler/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastFullWarnAt   atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState // non-nil when overlap gating was acquired
}

func (qt queuedTask) releaseState() {
	if qt.state != nil {
		qt.state.release()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

// Apply updates the config. When the pool shape changes the workers are
// replaced without cancelling anything: running tasks finish under their
// own timeout and queued tasks move to the new queue. ctx bounds the wait;
// when it ends first, running tasks are cancelled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running || (prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize) {
		return
	}
	carried := s.halt(ctx, true)
	s.Start(ctx)
	for _, qt := range carried {
		s.requeue(qt)
	}
	s.log.Info("task engine resized", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("carried", len(carried)))
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, stopCh, queue := s.sup, s.stopCh, s.q
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running tasks, waits for them (bounded by ctx) and drops
// whatever is still queued.
func (s *Service) Stop(ctx context.Context) {
	s.halt(ctx, false)
}

// halt stops the workers from taking new work. A graceful halt lets
// running tasks finish (cancelling them only once ctx ends) and returns the
// still-queued tasks to the caller. A hard halt cancels running tasks and
// drops the queue.
func (s *Service) halt(ctx context.Context, graceful bool) []queuedTask {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	if !graceful {
		sup.Cancel()
	}
	var carried []queuedTask
	go func() {
		_ = sup.Wait(context.Background())
		for _, qt := range takeQueued(queue) {
			if !graceful {
				qt.releaseState()
				s.dropped(qt.task, ErrStopped)
				continue
			}
			carried = append(carried, qt)
		}
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		if !graceful {
			s.log.Info("task engine stopped")
		}
		return carried
	case <-ctx.Done():
	}
	if !graceful {
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
		return nil
	}
	// Out of patience: cancel running tasks but still carry the queue.
	s.log.Warn("task engine resize timed out; cancelling running tasks", logx.Err(ctx.Err()))
	sup.Cancel()
	<-done
	return carried
}

func takeQueued(queue chan queuedTask) []queuedTask {
	var out []queuedTask
	for {
		select {
		case qt := <-queue:
			out = append(out, qt)
		default:
			return out
		}
	}
}

// requeue moves a task accepted by a previous pool into the current one.
func (s *Service) requeue(qt queuedTask) {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q != nil {
		select {
		case q <- qt:
			return
		default:
		}
	}
	qt.releaseState()
	s.dropped(qt.task, ErrQueueFull)
}

// Enqueue adds a task without blocking; a full queue returns ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		st := t.State
		if st == nil {
			st = s.stateFor(t.Name)
		}
		if !st.tryAcquire() {
			s.publish(eventbus.TaskSkipped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		qt.state = st
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseState()
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseState()
		return ctx.Err()
	case <-stopCh:
		qt.releaseState()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) publish(typ string, item HistoryItem) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: item})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) dropped(t Task, reason error) {
	if t.OnDrop != nil {
		t.OnDrop(reason)
	}
	s.publish(eventbus.TaskDropped, HistoryItem{ID: t.ID, Name: t.Name, Started: time.Now(), Error: reason.Error()})
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	n := s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	prev := s.lastFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task rejected: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Int64("rejected_total", int64(n)),
		)
	}
}
