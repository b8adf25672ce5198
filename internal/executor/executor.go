// Package executor posts actions to the platform and wires the queue, the
// task engine and the monitors together.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postscheduler/internal/eventbus"
	"postscheduler/internal/jobs"
	"postscheduler/internal/monitor"
	"postscheduler/internal/platform"
	"postscheduler/internal/policy"
	logx "postscheduler/pkg/logx"
)

// ErrSubmission wraps every failure to create the post.
var ErrSubmission = errors.New("submission failed")

// Result is the outcome of one action.
type Result struct {
	Success      bool   `json:"success"`
	Link         string `json:"link,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	MonitorID    string `json:"monitor_id,omitempty"`
	Err          error  `json:"-"`
}

// Monitors is the part of monitor.Supervisor the executor needs.
type Monitors interface {
	Start(kind monitor.Kind, ref string, provider policy.Provider) (string, error)
}

type Executor struct {
	sub platform.Submitter
	mon Monitors
	log logx.Logger
	bus eventbus.Bus
}

func New(sub platform.Submitter, mon Monitors, log logx.Logger, bus eventbus.Bus) *Executor {
	return &Executor{sub: sub, mon: mon, log: log.With(logx.String("comp", "executor")), bus: bus}
}

// SubmissionFor picks the post kind: video (with the image as thumbnail),
// then image, then link, then text.
func SubmissionFor(p jobs.Payload) platform.Submission {
	s := platform.Submission{Subreddit: p.Subreddit, Title: p.Title}
	switch {
	case p.VideoPath != "":
		s.Kind, s.MediaPath, s.ThumbnailPath = platform.KindVideo, p.VideoPath, p.ImagePath
	case p.ImagePath != "":
		s.Kind, s.MediaPath = platform.KindImage, p.ImagePath
	case strings.TrimSpace(p.Link) != "":
		s.Kind, s.URL = platform.KindLink, strings.TrimSpace(p.Link)
	default:
		s.Kind, s.Text = platform.KindText, p.Text
	}
	return s
}

// Run makes exactly one submission call. On success the new post gets a
// comments monitor with the payload's policy. Failures are logged once and
// reported through Result; Run never returns an error.
func (e *Executor) Run(ctx context.Context, p jobs.Payload) Result {
	s := SubmissionFor(p)
	log := e.log.With(logx.String("subreddit", p.Subreddit), logx.String("kind", string(s.Kind)))
	start := time.Now()

	ref, err := e.sub.Submit(ctx, s)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSubmission, err)
		log.Warn("action.submit_failed", logx.String("title", p.Title), logx.Duration("took", time.Since(start)), logx.Err(err))
		return Result{Err: err}
	}

	res := Result{Success: true, Link: ref.Link(), SubmissionID: ref.ID}
	log.Info("action.posted", logx.String("link", res.Link), logx.Duration("took", time.Since(start)))

	pol := policy.Static{Like: p.LikeComments, Reply: p.ReplyToComments, ReplyTemplate: strings.TrimSpace(p.ReplyMessage)}
	id, merr := e.mon.Start(monitor.CommentsOnSubmission, ref.ID, pol)
	if merr != nil {
		log.Warn("action.monitor_not_started", logx.String("submission", ref.ID), logx.Err(merr))
	}
	res.MonitorID = id
	return res
}
