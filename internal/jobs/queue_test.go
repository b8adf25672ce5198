package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postscheduler/internal/storage"
	logx "postscheduler/pkg/logx"
)

func openQueue(t *testing.T, dir string) (*Queue, storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(dir, "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewQueue(st, logx.Nop()), st
}

func payload(sub string) Payload {
	return Payload{Subreddit: sub, Title: "hello", Text: "body"}
}

func TestEnqueueReplacesByID(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, t.TempDir())
	defer st.Close()

	t1 := time.Now().Add(time.Hour)
	t2 := time.Now().Add(2 * time.Hour)
	if _, err := q.Enqueue(ctx, "k", t1, payload("one")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "k", t2, payload("two")); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	pending, err := q.List(ctx, Pending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending=%d want 1", len(pending))
	}
	if pending[0].Payload.Subreddit != "two" || !pending[0].TargetTime.Equal(t2.UTC().Truncate(time.Millisecond)) {
		t.Fatalf("unexpected action: %+v", pending[0])
	}
}

func TestDueNeverFiresEarly(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, t.TempDir())
	defer st.Close()

	base := time.Now()
	if _, err := q.Enqueue(ctx, "soon", base.Add(time.Minute), payload("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := q.Due(ctx, base.Add(59*time.Second), 0)
	if err != nil || len(due) != 0 {
		t.Fatalf("early due=%v err=%v", due, err)
	}
	due, err = q.Due(ctx, base.Add(time.Minute), 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("on-time due=%v err=%v", due, err)
	}
	if due[0].State != Firing || due[0].Payload.Title != "hello" {
		t.Fatalf("claimed=%+v", due[0])
	}
	again, _ := q.Due(ctx, base.Add(time.Hour), 0)
	if len(again) != 0 {
		t.Fatalf("claimed twice: %v", again)
	}
}

func TestDueOrdersByTargetTime(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, t.TempDir())
	defer st.Close()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"c", "a", "b"} {
		_, _ = q.Enqueue(ctx, id, base.Add(time.Duration(3-i)*time.Second), payload(id))
	}
	due, err := q.Due(ctx, time.Now(), 2)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 || due[0].ID != "b" || due[1].ID != "a" {
		t.Fatalf("order=%v", due)
	}
}

func TestQueueDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q, st := openQueue(t, dir)
	target := time.Now().Add(time.Hour)
	if _, err := q.Enqueue(ctx, "persist", target, payload("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = st.Close()

	q, st = openQueue(t, dir)
	defer st.Close()
	if due, _ := q.Due(ctx, time.Now(), 0); len(due) != 0 {
		t.Fatalf("fired early after reopen: %v", due)
	}
	due, err := q.Due(ctx, target.Add(time.Second), 0)
	if err != nil || len(due) != 1 || due[0].ID != "persist" {
		t.Fatalf("due after reopen=%v err=%v", due, err)
	}
}

func TestLifecycleAndCancel(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, t.TempDir())
	defer st.Close()

	past := time.Now().Add(-time.Second)
	_, _ = q.Enqueue(ctx, "done", past, payload("x"))
	_, _ = q.Enqueue(ctx, "later", time.Now().Add(time.Hour), payload("x"))
	if _, err := q.Due(ctx, time.Now(), 0); err != nil {
		t.Fatalf("due: %v", err)
	}

	if _, err := q.Enqueue(ctx, "done", past, payload("x")); !errors.Is(err, ErrFiring) {
		t.Fatalf("replace firing err=%v", err)
	}
	if err := q.Complete(ctx, "done", "https://reddit.com/r/x/comments/1/"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	a, err := q.Get(ctx, "done")
	if err != nil || a.State != Completed || a.ResultLink == "" {
		t.Fatalf("done=%+v err=%v", a, err)
	}

	if ok, _ := q.Cancel(ctx, "done"); ok {
		t.Fatalf("cancelled a completed action")
	}
	if ok, err := q.Cancel(ctx, "later"); !ok || err != nil {
		t.Fatalf("cancel pending ok=%v err=%v", ok, err)
	}
	if _, err := q.Get(ctx, "later"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get cancelled err=%v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, t.TempDir())
	defer st.Close()

	_, _ = q.Enqueue(ctx, "x", time.Now().Add(-time.Second), payload("x"))
	_, _ = q.Due(ctx, time.Now(), 0)

	n, err := q.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover n=%d err=%v", n, err)
	}
	a, _ := q.Get(ctx, "x")
	if a.State != Failed || a.LastError != InterruptedError {
		t.Fatalf("a=%+v", a)
	}
}

func TestRecordAndPrune(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, t.TempDir())
	defer st.Close()

	err := q.Record(ctx, Action{ID: "imm", TargetTime: time.Now(), Payload: payload("x"), State: Completed, ResultLink: "l"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := q.Record(ctx, Action{ID: "bad", Payload: payload("x"), State: Pending}); !errors.Is(err, ErrValidation) {
		t.Fatalf("record pending err=%v", err)
	}

	q.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := q.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("prune n=%d err=%v", n, err)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		p    Payload
		ok   bool
	}{
		{"complete", Payload{Subreddit: "golang", Title: "t"}, true},
		{"no subreddit", Payload{Title: "t"}, false},
		{"no title", Payload{Subreddit: "golang"}, false},
		{"prefixed subreddit", Payload{Subreddit: "r/golang", Title: "t"}, false},
	}
	for _, c := range cases {
		err := c.p.Validate()
		if (err == nil) != c.ok {
			t.Fatalf("%s: err=%v", c.name, err)
		}
		if err != nil && !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: err not ErrValidation: %v", c.name, err)
		}
	}
}

func TestNewID(t *testing.T) {
	at := time.Unix(1700000000, 123456000)
	if got := NewID("test", at); got != "test_1700000000.123456" {
		t.Fatalf("id=%q", got)
	}
	if !strings.HasPrefix(NewID("golang", time.Now()), "golang_") {
		t.Fatalf("prefix")
	}
}
