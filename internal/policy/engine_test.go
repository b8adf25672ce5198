package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"postscheduler/internal/platform"
	"postscheduler/internal/textgen"
	logx "postscheduler/pkg/logx"
)

type fakeReactor struct {
	mu        sync.Mutex
	upvoteErr error
	replyErr  error
	upvotes   []string
	replies   map[string]string
}

func (f *fakeReactor) Upvote(_ context.Context, fullName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upvoteErr != nil {
		return f.upvoteErr
	}
	f.upvotes = append(f.upvotes, fullName)
	return nil
}

func (f *fakeReactor) Reply(_ context.Context, parent, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return f.replyErr
	}
	if f.replies == nil {
		f.replies = map[string]string{}
	}
	f.replies[parent] = text
	return nil
}

type me string

func (m me) Me(context.Context) (string, error) { return string(m), nil }

type recordingGen struct {
	mu      sync.Mutex
	prompts []string
	opts    []textgen.Options
	reply   string
	err     error
}

func (g *recordingGen) Generate(_ context.Context, prompt string, opt textgen.Options) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	g.opts = append(g.opts, opt)
	return g.reply, g.err
}

func comment(author, body string) platform.Event {
	return platform.Event{ID: "c1", FullName: "t1_c1", Kind: platform.EventComment, Author: author, Body: body}
}

func TestHandleLikeFailureDoesNotBlockReply(t *testing.T) {
	t.Parallel()
	r := &fakeReactor{upvoteErr: &platform.Error{Op: "vote", Kind: platform.ErrAPI, Status: 403}}
	gen := &recordingGen{reply: "  thanks! "}
	e := NewEngine(r, me("poster"), gen, Config{}, logx.Nop())

	out := e.Handle(context.Background(), comment("alice", "great post"), Policy{Like: true, Reply: true})
	if out.Liked {
		t.Fatalf("like should have failed")
	}
	if len(out.Errors) != 1 || !errors.Is(out.Errors[0], platform.ErrAPI) {
		t.Fatalf("errors=%v", out.Errors)
	}
	if r.replies["t1_c1"] != "thanks!" || out.Reply != "thanks!" {
		t.Fatalf("reply not posted: %+v", r.replies)
	}
	if gen.opts[0] != commentReplyOptions {
		t.Fatalf("opts=%+v", gen.opts[0])
	}
	if !strings.Contains(gen.prompts[0], `"great post"`) {
		t.Fatalf("prompt=%q", gen.prompts[0])
	}
}

func TestHandleSkipsOwnAndDeletedComments(t *testing.T) {
	t.Parallel()
	r := &fakeReactor{}
	gen := &recordingGen{reply: "x"}
	e := NewEngine(r, me("Poster"), gen, Config{}, logx.Nop())
	pol := Policy{Like: true, Reply: true}

	if out := e.Handle(context.Background(), comment("poster", "mine"), pol); out.Skipped == "" {
		t.Fatalf("own comment handled")
	}
	if out := e.Handle(context.Background(), comment("", "[deleted]"), pol); out.Skipped == "" {
		t.Fatalf("deleted author handled")
	}
	if len(r.upvotes) != 0 || len(r.replies) != 0 || len(gen.prompts) != 0 {
		t.Fatalf("skipped events caused side effects")
	}
}

func TestHandleReplyTemplateIsVerbatim(t *testing.T) {
	t.Parallel()
	r := &fakeReactor{}
	gen := &recordingGen{reply: "generated"}
	e := NewEngine(r, me("poster"), gen, Config{}, logx.Nop())

	out := e.Handle(context.Background(), comment("bob", "hi"), Policy{Reply: true, ReplyTemplate: " Thanks for reading! "})
	if out.Reply != "Thanks for reading!" || len(gen.prompts) != 0 {
		t.Fatalf("out=%+v prompts=%d", out, len(gen.prompts))
	}
}

func TestHandleGenerationErrorSkipsOnlyThatReaction(t *testing.T) {
	t.Parallel()
	r := &fakeReactor{}
	gen := &recordingGen{err: textgen.ErrGeneration}
	e := NewEngine(r, nil, gen, Config{}, logx.Nop())
	post := platform.Event{ID: "p1", FullName: "t3_p1", Kind: platform.EventSubmission, Author: "friend", Title: "New job", Body: "Started today"}

	out := e.Handle(context.Background(), post, Policy{Like: true, Summary: true, Reply: true})
	if !out.Liked || len(r.upvotes) != 1 {
		t.Fatalf("like should succeed")
	}
	if len(out.Errors) != 2 {
		t.Fatalf("errors=%v", out.Errors)
	}
	for _, err := range out.Errors {
		if !textgen.IsGeneration(err) {
			t.Fatalf("err=%v", err)
		}
	}
	if len(r.replies) != 0 {
		t.Fatalf("reply posted despite generation failure")
	}
}

func TestHandlePostPromptsAndOptions(t *testing.T) {
	t.Parallel()
	r := &fakeReactor{}
	gen := &recordingGen{reply: "congrats 🎉"}
	e := NewEngine(r, nil, gen, Config{Persona: "Sam"}, logx.Nop())
	post := platform.Event{ID: "p1", FullName: "t3_p1", Kind: platform.EventSubmission, Author: "friend", Title: "T", Body: "B"}

	out := e.Handle(context.Background(), post, Policy{Summary: true, Reply: true})
	if len(gen.prompts) != 2 {
		t.Fatalf("prompts=%d", len(gen.prompts))
	}
	if gen.prompts[0] != "Summarize this post in 2 lines:\n\nTitle: T\nText: B" || gen.opts[0] != summaryOptions {
		t.Fatalf("summary prompt=%q opts=%+v", gen.prompts[0], gen.opts[0])
	}
	if !strings.HasPrefix(gen.prompts[1], "You are Sam replying") || gen.opts[1] != friendReplyOptions {
		t.Fatalf("reply prompt=%q", gen.prompts[1])
	}
	if out.Summary != "congrats 🎉" || r.replies["t3_p1"] != "congrats 🎉" {
		t.Fatalf("out=%+v", out)
	}
}

func TestHandleEmptyGenerationPostsNothing(t *testing.T) {
	t.Parallel()
	r := &fakeReactor{}
	e := NewEngine(r, me("poster"), &recordingGen{reply: "   "}, Config{}, logx.Nop())
	out := e.Handle(context.Background(), comment("bob", "hi"), Policy{Reply: true})
	if out.Reply != "" || len(r.replies) != 0 || len(out.Errors) != 0 {
		t.Fatalf("out=%+v", out)
	}
}

func TestFriendStoreLastWriterWins(t *testing.T) {
	t.Parallel()
	s := NewFriendStore(DefaultFriends)
	if p := s.Policy(); !p.Like || !p.Summary || !p.Reply {
		t.Fatalf("default policy=%+v", p)
	}
	s.Store(Friends{AutoLike: true})
	s.Store(Friends{AutoSummary: true})
	if p := s.Policy(); p.Like || !p.Summary || p.Reply {
		t.Fatalf("policy=%+v", p)
	}
	var zero FriendStore
	if zero.Load() != DefaultFriends {
		t.Fatalf("zero store should report defaults")
	}
}
