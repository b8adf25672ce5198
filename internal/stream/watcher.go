// Package stream turns a pollable platform listing into a sequence of new
// events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"postscheduler/internal/platform"
	logx "postscheduler/pkg/logx"
)

// ErrStream is returned by Next after too many consecutive fetch failures.
// The watcher is finished once it has been returned.
var ErrStream = errors.New("event stream failed")

const DefaultSeenCapacity = 301

type Config struct {
	// PollInterval is the first wait after an empty poll and the wait after
	// a poll that found something.
	PollInterval time.Duration
	MaxBackoff   time.Duration
	// MaxErrors consecutive fetch failures end the stream.
	MaxErrors    int
	SeenCapacity int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = max(16*time.Second, c.PollInterval)
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 5
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = DefaultSeenCapacity
	}
	return c
}

// Watcher yields each event of its source at most once, skipping everything
// the source already listed when the watch began. It is not safe for
// concurrent use and cannot be restarted.
type Watcher struct {
	src platform.Source
	cfg Config
	log logx.Logger

	seen   *seenSet
	buf    []platform.Event
	primed bool
	polled bool
	delay  time.Duration
	errs   int
	err    error
}

func New(src platform.Source, cfg Config, log logx.Logger) *Watcher {
	cfg = cfg.withDefaults()
	return &Watcher{
		src:   src,
		cfg:   cfg,
		log:   log,
		seen:  newSeenSet(cfg.SeenCapacity),
		delay: cfg.PollInterval,
	}
}

// Next blocks until a new event arrives, ctx is done, or the stream fails.
func (w *Watcher) Next(ctx context.Context) (platform.Event, error) {
	for {
		if len(w.buf) > 0 {
			ev := w.buf[0]
			w.buf = w.buf[1:]
			return ev, nil
		}
		if w.err != nil {
			return platform.Event{}, w.err
		}
		if w.polled {
			if err := sleep(ctx, w.delay); err != nil {
				return platform.Event{}, err
			}
		}
		w.polled = true

		events, err := w.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return platform.Event{}, ctx.Err()
			}
			w.errs++
			if w.errs >= w.cfg.MaxErrors {
				w.err = fmt.Errorf("%w after %d consecutive failures: %w", ErrStream, w.errs, err)
				return platform.Event{}, w.err
			}
			w.log.Warn("stream.fetch_failed", logx.Int("consecutive", w.errs), logx.Duration("retry_in", w.delay), logx.Err(err))
			w.backoff()
			continue
		}
		w.errs = 0

		fresh := w.collect(events)
		if !w.primed {
			w.primed = true
			w.log.Debug("stream.primed", logx.Int("existing", len(fresh)))
			continue
		}
		if len(fresh) == 0 {
			w.backoff()
			continue
		}
		w.delay = w.cfg.PollInterval
		w.buf = fresh
	}
}

// collect records unseen events and returns them oldest first.
func (w *Watcher) collect(events []platform.Event) []platform.Event {
	var fresh []platform.Event
	for _, ev := range events {
		if ev.ID == "" || !w.seen.Add(ev.ID) {
			continue
		}
		fresh = append(fresh, ev)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })
	return fresh
}

func (w *Watcher) backoff() {
	w.delay = min(w.delay*2, w.cfg.MaxBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
