package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postscheduler/internal/jobs"
	logx "postscheduler/pkg/logx"
)

// ImmediateWindow: targets closer than this are posted in the request.
const ImmediateWindow = 10 * time.Second

// ErrImmediateFailed is returned when an immediate post did not succeed.
var ErrImmediateFailed = errors.New("immediate post failed")

const scheduledTimeLayout = "2006-01-02 15:04:05"

// Receipt is what a submitter gets back.
type Receipt struct {
	Status        string  `json:"status"`
	JobID         *string `json:"job_id"`
	ScheduledTime string  `json:"scheduled_time"`
	Link          string  `json:"link,omitempty"`
}

// Intake accepts new actions and decides between the immediate and the
// queued path.
type Intake struct {
	q    *jobs.Queue
	exec *Executor
	log  logx.Logger
	loc  *time.Location
	now  func() time.Time
}

func NewIntake(q *jobs.Queue, exec *Executor, loc *time.Location, log logx.Logger) *Intake {
	if loc == nil {
		loc = time.Local
	}
	return &Intake{q: q, exec: exec, loc: loc, log: log.With(logx.String("comp", "intake")), now: time.Now}
}

// Submit validates p and either posts it now (target is zero or within
// ImmediateWindow) or enqueues it. Both paths leave a record in the queue.
func (in *Intake) Submit(ctx context.Context, target time.Time, p jobs.Payload) (Receipt, error) {
	if err := p.Validate(); err != nil {
		return Receipt{}, err
	}
	now := in.now()
	id := jobs.NewID(p.Subreddit, now)

	if target.IsZero() || !target.After(now.Add(ImmediateWindow)) {
		in.log.Info("action.immediate", logx.String("subreddit", p.Subreddit), logx.String("title", p.Title))
		res := in.exec.Run(ctx, p)
		in.audit(ctx, id, now, p, res)
		if !res.Success {
			return Receipt{}, fmt.Errorf("%w: %w", ErrImmediateFailed, res.Err)
		}
		return Receipt{Status: "success", ScheduledTime: "Posted Immediately", Link: res.Link}, nil
	}

	a, err := in.q.Enqueue(ctx, id, target, p)
	if err != nil {
		return Receipt{}, err
	}
	when := a.TargetTime.In(in.loc).Format(scheduledTimeLayout)
	in.log.Info("action.scheduled", logx.String("id", id), logx.String("subreddit", p.Subreddit), logx.String("at", when))
	return Receipt{Status: "scheduled", JobID: &a.ID, ScheduledTime: when}, nil
}

func (in *Intake) audit(ctx context.Context, id string, at time.Time, p jobs.Payload, res Result) {
	a := jobs.Action{ID: id, TargetTime: at, Payload: p, State: jobs.Completed, Attempts: 1, ResultLink: res.Link}
	if !res.Success {
		a.State = jobs.Failed
		if res.Err != nil {
			a.LastError = res.Err.Error()
		}
	}
	if err := in.q.Record(context.WithoutCancel(ctx), a); err != nil {
		in.log.Warn("action.audit_failed", logx.String("id", id), logx.Err(err))
	}
}
