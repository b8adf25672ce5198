package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"postscheduler/internal/platform"
	logx "postscheduler/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted returns one canned response per Fetch and repeats the last one.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	events []platform.Event
	err    error
}

func (s *scripted) Fetch(context.Context) ([]platform.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	return s.steps[i].events, s.steps[i].err
}

func ev(id string, minute int) platform.Event {
	return platform.Event{ID: id, CreatedAt: time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC)}
}

func fastConfig() Config {
	return Config{PollInterval: time.Millisecond, MaxBackoff: 4 * time.Millisecond, MaxErrors: 3}
}

func TestSkipsExistingAndDedupes(t *testing.T) {
	src := &scripted{steps: []step{
		{events: []platform.Event{ev("a", 1), ev("b", 2)}},
		{events: []platform.Event{ev("d", 4), ev("c", 3), ev("b", 2)}},
		{events: []platform.Event{ev("d", 4), ev("e", 5)}},
	}}
	w := New(src, fastConfig(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	for len(got) < 3 {
		e, err := w.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, e.ID)
	}
	if fmt.Sprint(got) != "[c d e]" {
		t.Fatalf("got %v, want [c d e]", got)
	}
}

func TestNoEventsBlocksUntilCancel(t *testing.T) {
	src := &scripted{steps: []step{{events: []platform.Event{ev("old", 1)}}}}
	w := New(src, fastConfig(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	boom := errors.New("503")
	src := &scripted{steps: []step{
		{err: boom},
		{events: nil},
		{err: boom},
		{err: boom},
		{events: []platform.Event{ev("x", 1)}},
	}}
	w := New(src, fastConfig(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := w.Next(ctx)
	if err != nil || e.ID != "x" {
		t.Fatalf("e=%+v err=%v", e, err)
	}
}

func TestTooManyErrorsEndStream(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scripted{steps: []step{{err: boom}}}
	w := New(src, fastConfig(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := w.Next(ctx)
	if !errors.Is(err, ErrStream) || !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if src.calls != 3 {
		t.Fatalf("calls=%d want 3", src.calls)
	}
	if _, again := w.Next(ctx); !errors.Is(again, ErrStream) {
		t.Fatalf("stream should stay failed, got %v", again)
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	w := New(&scripted{steps: []step{{}}}, Config{PollInterval: time.Second, MaxBackoff: 5 * time.Second}, logx.Nop())
	var delays []time.Duration
	for i := 0; i < 4; i++ {
		w.backoff()
		delays = append(delays, w.delay)
	}
	if fmt.Sprint(delays) != "[2s 4s 5s 5s]" {
		t.Fatalf("delays=%v", delays)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		if !s.Add(id) {
			t.Fatalf("%s should be new", id)
		}
	}
	if s.Has("a") || !s.Has("b") || !s.Has("d") || s.Len() != 3 {
		t.Fatalf("unexpected contents")
	}
	if s.Add("c") {
		t.Fatalf("c is still remembered")
	}
	s.Add("e") // evicts b
	if s.Has("b") || !s.Has("c") {
		t.Fatalf("eviction order wrong")
	}
}
