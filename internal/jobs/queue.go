package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postscheduler/internal/storage"
	logx "postscheduler/pkg/logx"
)

// InterruptedError is recorded on actions found firing at startup.
const InterruptedError = "interrupted"

// Queue is the action queue over a storage.Store. Methods are safe for
// concurrent use; atomicity of claims is provided by the store.
type Queue struct {
	st  storage.Store
	log logx.Logger
	now func() time.Time
}

func NewQueue(st storage.Store, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{st: st, log: log.With(logx.String("comp", "jobs")), now: time.Now}
}

// Enqueue stores a pending action, replacing any action with the same id.
func (q *Queue) Enqueue(ctx context.Context, id string, target time.Time, p Payload) (Action, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Action{}, fmt.Errorf("%w: empty id", ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return Action{}, err
	}
	a := Action{ID: id, TargetTime: target.UTC(), Payload: p, State: Pending}
	j, err := toJob(a)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := q.st.PutJob(ctx, j); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Action{}, fmt.Errorf("%w: %s", ErrFiring, id)
		}
		return Action{}, q.storageErr("enqueue", err)
	}
	q.log.Info("action.enqueued", logx.String("id", id), logx.Time("target", a.TargetTime))
	return a, nil
}

// Record writes an action that was executed outside the queue (the
// immediate path) directly in its terminal state, for audit.
func (q *Queue) Record(ctx context.Context, a Action) error {
	if !a.State.Terminal() {
		return fmt.Errorf("%w: record requires a terminal state, got %q", ErrValidation, a.State)
	}
	if a.Attempts == 0 {
		a.Attempts = 1
	}
	j, err := toJob(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := q.st.PutJob(ctx, j); err != nil {
		return q.storageErr("record", err)
	}
	return nil
}

// Due claims pending actions whose target time is at or before now and
// marks them firing. No action is returned by two calls.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]Action, error) {
	js, err := q.st.ClaimDue(ctx, now, limit)
	out := make([]Action, 0, len(js))
	for _, j := range js {
		a, derr := fromJob(j)
		if derr != nil {
			// An undecodable payload can never be posted.
			q.log.Error("action.corrupt", logx.String("id", j.ID), logx.Err(derr))
			_ = q.st.FinishJob(ctx, j.ID, storage.StateFailed, "", derr.Error())
			continue
		}
		out = append(out, a)
	}
	if err != nil {
		return out, q.storageErr("claim due", err)
	}
	return out, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Action, error) {
	j, err := q.st.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Action{}, ErrNotFound
	}
	if err != nil {
		return Action{}, q.storageErr("get", err)
	}
	return fromJob(j)
}

func (q *Queue) List(ctx context.Context, state State, limit int) ([]Action, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, state)
	}
	js, err := q.st.ListJobs(ctx, storage.Filter{State: state, Limit: limit})
	if err != nil {
		return nil, q.storageErr("list", err)
	}
	out := make([]Action, 0, len(js))
	for _, j := range js {
		a, err := fromJob(j)
		if err != nil {
			q.log.Warn("action.corrupt", logx.String("id", j.ID), logx.Err(err))
		}
		out = append(out, a)
	}
	return out, nil
}

// Cancel removes a pending action. It reports false when the action is
// missing or no longer pending.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := q.st.DeleteJob(ctx, id)
	if err != nil {
		return false, q.storageErr("cancel", err)
	}
	if ok {
		q.log.Info("action.cancelled", logx.String("id", id))
	}
	return ok, nil
}

// Release hands a claimed action back to pending, used when the executor
// pool rejects it.
func (q *Queue) Release(ctx context.Context, id string) error {
	if err := q.st.ReleaseJob(ctx, id); err != nil {
		return q.storageErr("release", err)
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, id, link string) error {
	if err := q.st.FinishJob(ctx, id, storage.StateCompleted, link, ""); err != nil {
		return q.storageErr("complete", err)
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, id string, cause string) error {
	if err := q.st.FinishJob(ctx, id, storage.StateFailed, "", cause); err != nil {
		return q.storageErr("fail", err)
	}
	return nil
}

// RecoverInterrupted fails actions left firing by a previous process. An
// action is fired at most once, so these are never retried.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := q.st.RecoverFiring(ctx, InterruptedError)
	if err != nil {
		return 0, q.storageErr("recover", err)
	}
	if n > 0 {
		q.log.Warn("actions interrupted by restart marked failed", logx.Int("count", n))
	}
	return n, nil
}

// Prune deletes terminal actions older than retention.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := q.st.PruneJobs(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, q.storageErr("prune", err)
	}
	if n > 0 {
		q.log.Info("actions pruned", logx.Int("count", n), logx.Duration("retention", retention))
	}
	return n, nil
}

func (q *Queue) storageErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
