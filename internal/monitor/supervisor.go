package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postscheduler/internal/eventbus"
	"postscheduler/internal/platform"
	"postscheduler/internal/policy"
	rtsup "postscheduler/internal/runtime/supervisor"
	"postscheduler/internal/stream"
	logx "postscheduler/pkg/logx"
)

// Supervisor owns every running monitor. Start never blocks on the monitor
// itself and a failing monitor only ends itself.
type Supervisor struct {
	sup     *rtsup.Supervisor
	sources platform.Sources
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	monitors map[string]*monitor
}

type monitor struct {
	mu       sync.Mutex
	info     Info
	provider policy.Provider
	handle   *rtsup.Handle
}

func (m *monitor) snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.info
	info.Policy = m.provider.Policy()
	return info
}

func New(sup *rtsup.Supervisor, sources platform.Sources, handler Handler, cfg Config, log logx.Logger, bus eventbus.Bus) *Supervisor {
	return &Supervisor{
		sup:      sup,
		sources:  sources,
		handler:  handler,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "monitor")),
		bus:      bus,
		monitors: map[string]*monitor{},
	}
}

// Apply affects monitors started afterwards.
func (s *Supervisor) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start launches a monitor and returns its id. The same ref may be watched
// by several monitors.
func (s *Supervisor) Start(kind Kind, ref string, provider policy.Provider) (string, error) {
	ref = strings.TrimSpace(ref)
	var src platform.Source
	switch kind {
	case CommentsOnSubmission:
		src = s.sources.CommentsOn(ref)
	case SubmissionsByUser:
		src = s.sources.SubmissionsBy(ref)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknown, kind)
	}
	if ref == "" {
		return "", fmt.Errorf("monitor: empty ref")
	}
	if provider == nil {
		provider = policy.Static{}
	}

	m := &monitor{
		info:     Info{ID: uuid.NewString(), Kind: kind, Ref: ref, StartedAt: time.Now()},
		provider: provider,
	}

	s.mu.Lock()
	if s.cfg.MaxActive > 0 && len(s.monitors) >= s.cfg.MaxActive {
		n := len(s.monitors)
		s.mu.Unlock()
		s.log.Warn("monitor.capacity", logx.String("kind", string(kind)), logx.String("ref", ref), logx.Int("active", n))
		return "", ErrCapacity
	}
	cfg := s.cfg
	s.monitors[m.info.ID] = m
	// Registered under the lock so that Stop sees the handle.
	m.handle = s.sup.Spawn("monitor."+string(kind), func(ctx context.Context) error {
		return s.run(ctx, m, src, cfg)
	})
	s.mu.Unlock()

	s.log.Info("monitor.started", logx.String("id", m.info.ID), logx.String("kind", string(kind)), logx.String("ref", ref))
	s.publish(eventbus.MonitorStarted, m.snapshot())
	return m.info.ID, nil
}

func (s *Supervisor) run(ctx context.Context, m *monitor, src platform.Source, cfg Config) (err error) {
	log := s.log.With(logx.String("id", m.info.ID), logx.String("kind", string(m.info.Kind)), logx.String("ref", m.info.Ref))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor panic: %v", r)
		}
		s.finish(m, err, log)
	}()

	w := stream.New(src, cfg.Stream, log)
	for {
		ev, err := w.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		m.mu.Lock()
		m.info.EventsSeen++
		m.info.LastEventAt = time.Now()
		m.mu.Unlock()

		if herr := s.handle(ctx, m, ev); herr != nil {
			m.mu.Lock()
			m.info.LastError = herr.Error()
			m.mu.Unlock()
		}
	}
}

// handle isolates one event: a panic in the handler is logged and the
// monitor moves on to the next event.
func (s *Supervisor) handle(ctx context.Context, m *monitor, ev platform.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			s.log.Error("monitor.event_panic", logx.String("id", m.info.ID), logx.String("event", ev.FullName), logx.Any("panic", r))
		}
	}()
	out := s.handler.Handle(ctx, ev, m.provider.Policy())
	if len(out.Errors) > 0 {
		return out.Errors[len(out.Errors)-1]
	}
	return nil
}

func (s *Supervisor) finish(m *monitor, err error, log logx.Logger) {
	s.mu.Lock()
	delete(s.monitors, m.info.ID)
	s.mu.Unlock()

	if err != nil && ctxErr(err) {
		err = nil
	}
	m.mu.Lock()
	if err != nil {
		m.info.LastError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		log.Error("monitor.failed", logx.Err(err))
	} else {
		log.Info("monitor.stopped")
	}
	s.publish(eventbus.MonitorStopped, m.snapshot())
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Supervisor) List() []Info {
	s.mu.Lock()
	ms := make([]*monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		ms = append(ms, m)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Supervisor) Get(id string) (Info, bool) {
	s.mu.Lock()
	m := s.monitors[id]
	s.mu.Unlock()
	if m == nil {
		return Info{}, false
	}
	return m.snapshot(), true
}

// Active returns the number of running monitors.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Stop cancels one monitor without waiting for it.
func (s *Supervisor) Stop(id string) bool {
	s.mu.Lock()
	m := s.monitors[id]
	s.mu.Unlock()
	if m == nil {
		return false
	}
	m.handle.Cancel()
	return true
}

// StopAll cancels every monitor and waits for them, bounded by ctx.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	hs := make([]*rtsup.Handle, 0, len(s.monitors))
	for _, m := range s.monitors {
		hs = append(hs, m.handle)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
	}
	for _, h := range hs {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) publish(typ string, info Info) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: info})
	}
}
