package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"postscheduler/internal/eventbus"
	"postscheduler/internal/platform"
	"postscheduler/internal/policy"
	rtsup "postscheduler/internal/runtime/supervisor"
	"postscheduler/internal/stream"
	logx "postscheduler/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type batchSource struct {
	mu      sync.Mutex
	batches [][]platform.Event
	err     error
	calls   int
}

func (s *batchSource) Fetch(context.Context) ([]platform.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	i := min(s.calls, len(s.batches)-1)
	s.calls++
	return s.batches[i], nil
}

type fakeSources struct {
	comments map[string]*batchSource
	users    map[string]*batchSource
}

func (f fakeSources) CommentsOn(id string) platform.Source   { return f.comments[id] }
func (f fakeSources) SubmissionsBy(u string) platform.Source { return f.users[u] }

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	pols []policy.Policy
}

func (h *recordingHandler) Handle(_ context.Context, ev platform.Event, pol policy.Policy) policy.Outcome {
	if ev.ID == "boom" {
		panic("handler exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, ev.ID)
	h.pols = append(h.pols, pol)
	return policy.Outcome{}
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func comments(ids ...string) []platform.Event {
	out := make([]platform.Event, len(ids))
	for i, id := range ids {
		out[i] = platform.Event{ID: id, FullName: "t1_" + id, Kind: platform.EventComment, Author: "someone"}
	}
	return out
}

func newTestSupervisor(t *testing.T, src fakeSources, h Handler, cfg Config) (*Supervisor, func()) {
	t.Helper()
	cfg.Stream = stream.Config{PollInterval: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxErrors: 2}
	root := rtsup.NewSupervisor(context.Background())
	s := New(root, src, h, cfg, logx.Nop(), eventbus.New())
	return s, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.StopAll(ctx)
		root.Cancel()
		_ = root.Wait(ctx)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartHandlesNewEventsAndPanicsAreIsolated(t *testing.T) {
	src := &batchSource{batches: [][]platform.Event{
		comments("old"),
		comments("old", "boom", "new"),
	}}
	h := &recordingHandler{}
	s, stop := newTestSupervisor(t, fakeSources{comments: map[string]*batchSource{"abc": src}}, h, Config{})
	defer stop()

	id, err := s.Start(CommentsOnSubmission, "abc", policy.Static{Like: true})
	if err != nil || id == "" {
		t.Fatalf("Start: id=%q err=%v", id, err)
	}
	waitFor(t, "new event", func() bool { return len(h.ids()) == 1 })
	if h.ids()[0] != "new" || !h.pols[0].Like {
		t.Fatalf("seen=%v pols=%+v", h.ids(), h.pols)
	}

	info, ok := s.Get(id)
	if !ok || info.EventsSeen != 2 || info.LastError == "" || info.Ref != "abc" {
		t.Fatalf("info=%+v ok=%v", info, ok)
	}
	if !s.Stop(id) {
		t.Fatalf("Stop returned false")
	}
	waitFor(t, "monitor removal", func() bool { return s.Active() == 0 })
	if s.Stop(id) {
		t.Fatalf("second Stop should report unknown id")
	}
}

func TestFailingStreamEndsOnlyItsMonitor(t *testing.T) {
	bad := &batchSource{err: errors.New("403 forbidden")}
	good := &batchSource{batches: [][]platform.Event{nil}}
	s, stop := newTestSupervisor(t, fakeSources{comments: map[string]*batchSource{"bad": bad, "good": good}}, &recordingHandler{}, Config{})
	defer stop()

	badID, _ := s.Start(CommentsOnSubmission, "bad", nil)
	goodID, _ := s.Start(CommentsOnSubmission, "good", nil)

	waitFor(t, "bad monitor to end", func() bool { _, ok := s.Get(badID); return !ok })
	if _, ok := s.Get(goodID); !ok {
		t.Fatalf("healthy monitor was stopped")
	}
	if got := s.List(); len(got) != 1 || got[0].ID != goodID {
		t.Fatalf("List=%+v", got)
	}
}

func TestCapacityAndUnknownKind(t *testing.T) {
	src := &batchSource{batches: [][]platform.Event{nil}}
	s, stop := newTestSupervisor(t, fakeSources{comments: map[string]*batchSource{"a": src}}, &recordingHandler{}, Config{MaxActive: 1})
	defer stop()

	if _, err := s.Start(CommentsOnSubmission, "a", nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := s.Start(CommentsOnSubmission, "a", nil); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v want ErrCapacity", err)
	}
	if _, err := s.Start(Kind("nope"), "a", nil); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err=%v want ErrUnknown", err)
	}
}

func TestStartTrackedAccounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "friends.txt")
	if err := os.WriteFile(path, []byte("alice\n\n  u/bob  \n# comment\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	users := map[string]*batchSource{
		"alice": {batches: [][]platform.Event{nil}},
		"bob":   {batches: [][]platform.Event{nil}},
	}
	friends := policy.NewFriendStore(policy.Friends{AutoLike: true})
	s, stop := newTestSupervisor(t, fakeSources{users: users}, &recordingHandler{}, Config{})
	defer stop()

	if n := s.StartTrackedAccounts(path, friends); n != 2 {
		t.Fatalf("started=%d want 2", n)
	}
	refs := map[string]bool{}
	for _, info := range s.List() {
		if info.Kind != SubmissionsByUser || !info.Policy.Like {
			t.Fatalf("info=%+v", info)
		}
		refs[info.Ref] = true
	}
	if !refs["alice"] || !refs["bob"] {
		t.Fatalf("refs=%v", refs)
	}

	friends.Store(policy.Friends{AutoComment: true})
	for _, info := range s.List() {
		if info.Policy.Like || !info.Policy.Reply {
			t.Fatalf("policy change not visible: %+v", info.Policy)
		}
	}

	if n := s.StartTrackedAccounts(filepath.Join(dir, "missing.txt"), friends); n != 0 {
		t.Fatalf("missing file started %d", n)
	}
}
