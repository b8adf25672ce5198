package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPanicIsIsolated(t *testing.T) {
	s := NewSupervisor(context.Background())

	var sibling atomic.Bool
	s.Go("bad", func(ctx context.Context) error { panic("boom") })
	s.Go("good", func(ctx context.Context) error {
		<-ctx.Done()
		sibling.Store(true)
		return ctx.Err()
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Err() == nil {
		t.Fatalf("panic was not recorded")
	}
	if s.Context().Err() != nil {
		t.Fatalf("panic cancelled siblings without WithCancelOnError")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Stop(ctx)
	if !sibling.Load() {
		t.Fatalf("sibling did not observe cancellation")
	}

	var bad GoroutineStats
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "bad" {
			bad = g
		}
	}
	if bad.Panics != 1 || bad.Active != 0 {
		t.Fatalf("stats=%+v", bad)
	}
}

func TestCancelOnError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context not cancelled")
	}
	if err := s.Wait(context.Background()); err == nil {
		t.Fatalf("Wait should report the first error")
	}
}

func TestSpawnHandleCancelsOnlyItsGoroutine(t *testing.T) {
	s := NewSupervisor(context.Background())
	defer s.Stop(context.Background())

	h1 := s.Spawn("one", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })
	h2 := s.Spawn("two", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })

	h1.Cancel()
	select {
	case <-h1.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle one did not stop")
	}
	select {
	case <-h2.Done():
		t.Fatalf("handle two stopped with one")
	case <-time.After(20 * time.Millisecond):
	}
	if s.Err() != nil {
		t.Fatalf("cancellation recorded as error: %v", s.Err())
	}
}

func TestSpawnDoneClosesAfterPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	defer s.Stop(context.Background())

	h := s.Spawn("explodes", func(ctx context.Context) error { panic("x") })
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed after panic")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = s.Stop(ctx)
	if runs.Load() != 3 {
		t.Fatalf("runs=%d want 3", runs.Load())
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(false))
	var runs atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait err=%v, want the published failure", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs=%d want 3", runs.Load())
	}
	s.Cancel()
}
