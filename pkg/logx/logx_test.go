package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestJSONLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "executor"))
	log.Warn("action.failed", String("id", "a_1"), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["message"] != "action.failed" || m["comp"] != "executor" || m["id"] != "a_1" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not be rendered: %v", m)
	}
	if !strings.HasPrefix(m["caller"].(string), "logx_test.go:") {
		t.Fatalf("caller=%v", m["caller"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled mismatch")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	Nop().Info("nothing happens")
}

func TestFormatTelegramLine(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"monitor.stopped","comp":"monitor","err":"boom"}`)
	got := formatTelegramLine(line)
	want := "[WARN] monitor.stopped\n- comp=monitor\n- err=boom"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatTelegramLine([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw fallback=%q", got)
	}
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSender) SendText(_ context.Context, _ int64, _ int, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	snd := &recordingSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "error", RatePerSec: 100},
	}, snd)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("action.failed", String("id", "x"))

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if snd.count() != 1 {
		t.Fatalf("sent=%d want 1", snd.count())
	}
	if !strings.HasPrefix(snd.texts[0], "[ERROR] action.failed") {
		t.Fatalf("text=%q", snd.texts[0])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}}, nil)
	defer svc.Close()
	log.Info("one")

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	log.Info("two")

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Info("three")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(a), "\n"); n != 2 {
		t.Fatalf("first file has %d lines: %q", n, a)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"message":"three"`) || strings.Contains(string(b), `"one"`) {
		t.Fatalf("second file=%q", b)
	}
}
