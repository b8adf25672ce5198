package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "postscheduler/pkg/logx"
)

// Store is the persistence API used by the job queue.
type Store interface {
	// PutJob inserts j or replaces the record with the same id. Replacing a
	// job that is currently firing fails with ErrConflict.
	PutJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, f Filter) ([]Job, error)

	// ClaimDue atomically moves up to limit pending jobs with
	// TargetTime <= now to firing and returns them in firing order.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// FinishJob moves a firing job to a terminal state.
	FinishJob(ctx context.Context, id string, state State, link, errText string) error
	// ReleaseJob returns a firing job to pending without counting an attempt.
	ReleaseJob(ctx context.Context, id string) error
	// DeleteJob removes a pending job. It reports false when no pending job
	// with that id exists.
	DeleteJob(ctx context.Context, id string) (bool, error)
	// RecoverFiring fails every job left firing, e.g. by a crash.
	RecoverFiring(ctx context.Context, errText string) (int, error)
	// PruneJobs deletes terminal jobs last updated before the cutoff.
	PruneJobs(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
