package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultFilePath is where the file sink appends when no path is configured.
const DefaultFilePath = "./postscheduler.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender delivers a plain-text log line to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

// Service owns the live sink set. Loggers derived from it pick up every
// Apply without being rebuilt.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *fileSink
	tg   *telegramSink // nil without a sender
}

// New creates the logging service, applies cfg and returns the root Logger.
// sender may be nil; the Telegram sink is then never attached.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{file: &fileSink{}}
	if sender != nil {
		s.tg = newTelegramSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	path := ""
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
	}
	w, err := s.file.use(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	} else if w != nil {
		writers = append(writers, w)
	}
	if cfg.Telegram.Enabled {
		switch {
		case s.tg == nil:
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled but no telegram token is configured")
		case cfg.Telegram.ChatID == 0:
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled but telegram.chat_id is not set")
		default:
			s.tg.configure(cfg.Telegram)
			writers = append(writers, s.tg)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := build(zerolog.MultiLevelWriter(writers...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
}

// Close stops the Telegram worker and closes the log file. Loggers keep
// working afterwards but only reach the console sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tg != nil {
		s.tg.stop()
	}
	return s.file.close()
}

func build(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// fileSink keeps one append-only file open and reopens only when the path
// changes.
type fileSink struct {
	path string
	f    *os.File
	w    io.Writer
}

// use switches to path; "" closes the file. It returns the writer to
// attach, or nil.
func (fs *fileSink) use(path string) (io.Writer, error) {
	if path == fs.path && fs.f != nil {
		return fs.w, nil
	}
	_ = fs.close()
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	fs.path, fs.f, fs.w = path, f, zerolog.SyncWriter(f)
	return fs.w, nil
}

func (fs *fileSink) close() error {
	f := fs.f
	fs.path, fs.f, fs.w = "", nil, nil
	if f == nil {
		return nil
	}
	return f.Close()
}
