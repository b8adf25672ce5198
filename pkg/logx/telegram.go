package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// telegramSink is a zerolog LevelWriter that forwards lines at or above
// minLevel to a chat. It never blocks logging: lines over the rate limit
// or beyond the queue capacity are dropped.
type telegramSink struct {
	sender Sender
	queue  chan telegramItem

	mu       sync.Mutex
	cfg      TelegramConfig
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

type telegramItem struct {
	chatID   int64
	threadID int
	text     string
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan telegramItem, 256)}
}

// configure updates destination and limits, starting the worker on first use.
func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel, t.done = cancel, make(chan struct{})
	go t.run(ctx, t.done)
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			_ = t.sender.SendText(ctx, it.chatID, it.threadID, it.text)
		}
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	cfg, lim, minLevel, running := t.cfg, t.limiter, t.minLevel, t.cancel != nil
	t.mu.Unlock()

	if !running || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramLine(p); text != "" {
		select {
		case t.queue <- telegramItem{chatID: cfg.ChatID, threadID: cfg.ThreadID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramLine renders one zerolog JSON line as
// "[LEVEL] message" followed by sorted "- key=value" lines.
func formatTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
