package storage

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "postscheduler/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	target_time BIGINT NOT NULL,
	payload     TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	result_link TEXT NOT NULL DEFAULT '',
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_state_target ON jobs(state, target_time);
CREATE INDEX IF NOT EXISTS jobs_state_updated ON jobs(state, updated_at);
`

// ownerLockKey is the session advisory lock held by the one scheduler
// allowed to use a database. RecoverFiring fails every firing row, so a
// second process must not share the jobs table.
const ownerLockKey int64 = 0x706f7374736368

type postgresStore struct {
	pool *pgxpool.Pool
	// owner holds ownerLockKey for the life of the store.
	owner *pgx.Conn
	log   logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	owner, err := lockOwner(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		_ = owner.Close(context.Background())
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, owner: owner, log: log}, nil
}

// lockOwner takes a connection out of the pool and holds the owner lock on
// it. Closing the connection releases the lock, including on a crash.
func lockOwner(ctx context.Context, pool *pgxpool.Pool) (*pgx.Conn, error) {
	c, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := c.Hijack()
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, ownerLockKey).Scan(&ok); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	if !ok {
		_ = conn.Close(context.Background())
		return nil, ErrLocked
	}
	return conn, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return s.owner.Close(context.Background())
}

func scanPGJob(r pgx.Row) (Job, error) {
	var (
		j                    Job
		target, created, upd int64
		payload, state       string
	)
	if err := r.Scan(&j.ID, &target, &payload, &state, &j.Attempts, &j.ResultLink, &j.LastError, &created, &upd); err != nil {
		return Job{}, err
	}
	j.TargetTime = fromMS(target)
	j.Payload = []byte(payload)
	j.State = State(state)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(upd)
	return j, nil
}

func (s *postgresStore) collect(rows pgx.Rows, err error) ([]Job, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *postgresStore) PutJob(ctx context.Context, j Job) error {
	t := ms(now())
	// The WHERE on the update branch refuses to overwrite a firing row; a
	// zero-row result on an existing id therefore means conflict.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$8)
		 ON CONFLICT(id) DO UPDATE SET
		   target_time=EXCLUDED.target_time, payload=EXCLUDED.payload, state=EXCLUDED.state,
		   attempts=EXCLUDED.attempts, result_link=EXCLUDED.result_link,
		   last_error=EXCLUDED.last_error, updated_at=EXCLUDED.updated_at
		 WHERE jobs.state <> 'firing'`,
		j.ID, ms(j.TargetTime), string(j.Payload), string(j.State), j.Attempts, j.ResultLink, j.LastError, t,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanPGJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *postgresStore) ListJobs(ctx context.Context, f Filter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return s.collect(s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE ($1 = '' OR state = $1)
		 ORDER BY target_time, id
		 LIMIT $2`,
		string(f.State), limit))
}

func (s *postgresStore) ClaimDue(ctx context.Context, at time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	// Only the owner lock holder claims, so SKIP LOCKED just keeps the
	// claim from waiting on rows an operator has locked by hand.
	due, err := s.collect(s.pool.Query(ctx,
		`UPDATE jobs SET state = 'firing', attempts = attempts + 1, updated_at = $2
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE state = 'pending' AND target_time <= $1
		   ORDER BY target_time, id
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		ms(at), ms(now()), limit))
	if err != nil {
		return nil, err
	}
	sortJobs(due)
	return due, nil
}

func (s *postgresStore) FinishJob(ctx context.Context, id string, state State, link, errText string) error {
	if !state.Terminal() {
		return ErrConflict
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, result_link = $2, last_error = $3, updated_at = $4
		 WHERE id = $5 AND state = 'firing'`,
		string(state), link, errText, ms(now()), id)
	return s.checkTransition(ctx, tag, err, id)
}

func (s *postgresStore) ReleaseJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'pending', attempts = GREATEST(attempts - 1, 0), updated_at = $1
		 WHERE id = $2 AND state = 'firing'`,
		ms(now()), id)
	return s.checkTransition(ctx, tag, err, id)
}

func (s *postgresStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, err error, id string) error {
	if err != nil || tag.RowsAffected() > 0 {
		return err
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *postgresStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND state = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) RecoverFiring(ctx context.Context, errText string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'failed', last_error = $1, updated_at = $2 WHERE state = 'firing'`,
		errText, ms(now()))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE state IN ('completed', 'failed') AND updated_at < $1`, ms(before))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
