package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"postscheduler/internal/platform"
	"postscheduler/internal/textgen"
	logx "postscheduler/pkg/logx"
)

type Config struct {
	// Persona names who the friend replies are written as.
	Persona string
}

// Outcome reports what Handle did with one event. Errors holds one entry per
// failed reaction; a failure never stops the remaining reactions.
type Outcome struct {
	Skipped string // reason, empty when the event was handled
	Liked   bool
	Summary string
	Reply   string
	Errors  []error
}

// Engine applies a Policy to events. It is safe for concurrent use by many
// monitors.
type Engine struct {
	reactor  platform.Reactor
	identity platform.Identity
	gen      textgen.Generator
	log      logx.Logger

	mu   sync.RWMutex
	cfg  Config
	self string
}

func NewEngine(reactor platform.Reactor, identity platform.Identity, gen textgen.Generator, cfg Config, log logx.Logger) *Engine {
	if gen == nil {
		gen = textgen.Disabled{}
	}
	return &Engine{
		reactor:  reactor,
		identity: identity,
		gen:      gen,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "policy")),
	}
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Handle reacts to ev according to pol: like, then summary (posts), then
// reply. Comments written by the logged-in account or by deleted accounts
// are skipped.
func (e *Engine) Handle(ctx context.Context, ev platform.Event, pol Policy) Outcome {
	var out Outcome
	log := e.log.With(logx.String("event", ev.FullName), logx.String("kind", string(ev.Kind)), logx.String("author", ev.Author))

	if ev.Kind == platform.EventComment {
		if strings.TrimSpace(ev.Author) == "" {
			out.Skipped = "deleted author"
			return out
		}
		self, err := e.me(ctx)
		if err != nil {
			out.Skipped = "identity unknown"
			out.Errors = append(out.Errors, err)
			log.Warn("policy.identity_failed", logx.Err(err))
			return out
		}
		if strings.EqualFold(ev.Author, self) {
			out.Skipped = "own comment"
			return out
		}
		log.Info("policy.new_comment", logx.String("body", ev.Body))
	} else {
		log.Info("policy.new_post", logx.String("title", ev.Title))
	}

	if pol.Like {
		if err := e.reactor.Upvote(ctx, ev.FullName); err != nil {
			out.Errors = append(out.Errors, fmt.Errorf("like: %w", err))
			log.Warn("policy.like_failed", logx.Err(err))
		} else {
			out.Liked = true
			log.Info("policy.liked")
		}
	}

	if pol.Summary && ev.Kind == platform.EventSubmission {
		text, err := e.gen.Generate(ctx, summaryPrompt(ev), summaryOptions)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Errorf("summary: %w", err))
			log.Warn("policy.summary_failed", logx.Err(err))
		} else {
			out.Summary = textgen.Clean(text)
			log.Info("policy.summary", logx.String("summary", out.Summary))
		}
	}

	if pol.Reply {
		text, err := e.replyText(ctx, ev, pol)
		switch {
		case err != nil:
			out.Errors = append(out.Errors, fmt.Errorf("reply: %w", err))
			log.Warn("policy.reply_failed", logx.Err(err))
		case text == "":
			log.Debug("policy.reply_empty")
		default:
			if err := e.reactor.Reply(ctx, ev.FullName, text); err != nil {
				out.Errors = append(out.Errors, fmt.Errorf("reply: %w", err))
				log.Warn("policy.reply_failed", logx.Err(err))
			} else {
				out.Reply = text
				log.Info("policy.replied", logx.String("reply", text))
			}
		}
	}
	return out
}

func (e *Engine) replyText(ctx context.Context, ev platform.Event, pol Policy) (string, error) {
	if ev.Kind == platform.EventComment {
		if tpl := strings.TrimSpace(pol.ReplyTemplate); tpl != "" {
			return tpl, nil
		}
		text, err := e.gen.Generate(ctx, commentReplyPrompt(ev.Body), commentReplyOptions)
		return textgen.Clean(text), err
	}
	e.mu.RLock()
	persona := e.cfg.Persona
	e.mu.RUnlock()
	text, err := e.gen.Generate(ctx, friendReplyPrompt(persona, ev), friendReplyOptions)
	return textgen.Clean(text), err
}

// me caches the account name after the first successful lookup.
func (e *Engine) me(ctx context.Context) (string, error) {
	e.mu.RLock()
	self := e.self
	e.mu.RUnlock()
	if self != "" {
		return self, nil
	}
	if e.identity == nil {
		return "", fmt.Errorf("no identity provider")
	}
	name, err := e.identity.Me(ctx)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.self = name
	e.mu.Unlock()
	return name, nil
}
