package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "postscheduler/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const jobColumns = `id, target_time, payload, state, attempts, result_link, last_error, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which also makes ClaimDue atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
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

func (s *sqliteStore) PutJob(ctx context.Context, j Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, j.ID).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case State(cur) == StateFiring:
		return ErrConflict
	}

	t := ms(now())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   target_time=excluded.target_time, payload=excluded.payload, state=excluded.state,
		   attempts=excluded.attempts, result_link=excluded.result_link,
		   last_error=excluded.last_error, updated_at=excluded.updated_at`,
		j.ID, ms(j.TargetTime), string(j.Payload), string(j.State), j.Attempts, j.ResultLink, j.LastError, t, t,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f Filter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.State != "" {
		q += ` WHERE state = ?`
		args = append(args, string(f.State))
	}
	q += ` ORDER BY target_time, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, s.db, q, args...)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) query(ctx context.Context, q querier, query string, args ...any) ([]Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimDue(ctx context.Context, at time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	due, err := s.query(ctx, tx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND target_time <= ? ORDER BY target_time, id LIMIT ?`,
		string(StatePending), ms(at), limit)
	if err != nil {
		return nil, err
	}

	t := now()
	for i := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			string(StateFiring), ms(t), due[i].ID); err != nil {
			return nil, err
		}
		due[i].State = StateFiring
		due[i].Attempts++
		due[i].UpdatedAt = t
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *sqliteStore) FinishJob(ctx context.Context, id string, state State, link, errText string) error {
	if !state.Terminal() {
		return ErrConflict
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result_link = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(state), link, errText, ms(now()), id, string(StateFiring))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

func (s *sqliteStore) ReleaseJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = MAX(attempts - 1, 0), updated_at = ? WHERE id = ? AND state = ?`,
		string(StatePending), ms(now()), id, string(StateFiring))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrConflict.
func (s *sqliteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND state = ?`, id, string(StatePending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RecoverFiring(ctx context.Context, errText string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE state = ?`,
		string(StateFailed), errText, ms(now()), string(StateFiring))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?) AND updated_at < ?`,
		string(StateCompleted), string(StateFailed), ms(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
