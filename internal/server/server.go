// Package server is the HTTP surface: the submission form endpoints and a
// small JSON operator API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"postscheduler/internal/executor"
	"postscheduler/internal/jobs"
	"postscheduler/internal/monitor"
	"postscheduler/internal/policy"
	rtsup "postscheduler/internal/runtime/supervisor"
	logx "postscheduler/pkg/logx"
)

type Config struct {
	Addr      string
	UploadDir string
	// MaxUploadBytes bounds one /submit request including files.
	MaxUploadBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxRestarts bounds listener restarts after failures such as a busy
	// port. 0 means unlimited.
	MaxRestarts int

	// Pprof mounts net/http/pprof under /debug/pprof/. A non-empty
	// PprofToken is required as a bearer token or ?token=.
	Pprof      bool
	PprofToken string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:5000"
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		c.UploadDir = "uploads"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 512 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Intake accepts new actions.
type Intake interface {
	Submit(ctx context.Context, target time.Time, p jobs.Payload) (executor.Receipt, error)
}

type Jobs interface {
	Get(ctx context.Context, id string) (jobs.Action, error)
	List(ctx context.Context, state jobs.State, limit int) ([]jobs.Action, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type Monitors interface {
	List() []monitor.Info
	Get(id string) (monitor.Info, bool)
	Stop(id string) bool
}

type Deps struct {
	Intake   Intake
	Jobs     Jobs
	Monitors Monitors
	Friends  *policy.FriendStore
	// Health returns the body of /api/v1/health.
	Health func(ctx context.Context) any
}

type Server struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), deps: deps, log: log.With(logx.String("comp", "http"))}
}

// Handler builds the route table for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	mux := http.NewServeMux()
	s.registerRoutes(mux, cfg)
	return mux
}

// Reconfigure applies cfg, restarting the listener when its address,
// timeouts or debug routes changed. Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()
	if running && needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout ||
		a.MaxRestarts != b.MaxRestarts || a.Pprof != b.Pprof || a.PprofToken != b.PprofToken
}

// Start serves in the background under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		sup, maxRestarts := s.sup, s.cfg.MaxRestarts
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithMaxRestarts(maxRestarts),
		)
		return
	}
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
