package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "postscheduler/pkg/logx"
)

// fileStore keeps every job in memory and persists it as:
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal, fsync'd per write)
//
// The journal is compacted into the snapshot on open and every compactEvery
// writes.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	jobs         map[string]Job
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string `json:"op"` // "put" or "del"
	Job *Job   `json:"job,omitempty"`
	ID  string `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		jobs:         map[string]Job{},
		snapshotPath: prefix + ".jobs.snapshot.json",
		compactEvery: 500,
	}
	if err := loadSnapshot(s.snapshotPath, s.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".jobs.journal.jsonl"
	skipped, err := replayJournal(journalPath, s.jobs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		// A torn final line is expected after a crash mid-append.
		log.Warn("journal lines skipped", logx.Int("count", skipped))
	}

	s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := s.compactLocked(); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("jobs", len(s.jobs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) PutJob(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	t := now()
	if prev, ok := s.jobs[j.ID]; ok {
		if prev.State == StateFiring {
			return ErrConflict
		}
		j.CreatedAt = prev.CreatedAt
	} else if j.CreatedAt.IsZero() {
		j.CreatedAt = t
	}
	j.TargetTime = j.TargetTime.UTC().Truncate(time.Millisecond)
	j.UpdatedAt = t
	return s.putLocked(j)
}

func (s *fileStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *fileStore) ListJobs(_ context.Context, f Filter) ([]Job, error) {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j)
		}
	}
	s.mu.Unlock()

	sortJobs(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) ClaimDue(_ context.Context, at time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}

	due := make([]Job, 0)
	for _, j := range s.jobs {
		if j.State == StatePending && !j.TargetTime.After(at) {
			due = append(due, j)
		}
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	t := now()
	for i := range due {
		due[i].State = StateFiring
		due[i].Attempts++
		due[i].UpdatedAt = t
		if err := s.putLocked(due[i]); err != nil {
			// Jobs already journaled stay firing and are reported; the rest
			// remain pending for the next claim.
			return due[:i], err
		}
	}
	return due, nil
}

func (s *fileStore) FinishJob(_ context.Context, id string, state State, link, errText string) error {
	if !state.Terminal() {
		return ErrConflict
	}
	return s.transition(id, StateFiring, func(j *Job) {
		j.State = state
		j.ResultLink = link
		j.LastError = errText
	})
}

func (s *fileStore) ReleaseJob(_ context.Context, id string) error {
	return s.transition(id, StateFiring, func(j *Job) {
		j.State = StatePending
		if j.Attempts > 0 {
			j.Attempts--
		}
	})
}

func (s *fileStore) transition(id string, from State, mut func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != from {
		return ErrConflict
	}
	mut(&j)
	j.UpdatedAt = now()
	return s.putLocked(j)
}

func (s *fileStore) DeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok || j.State != StatePending {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return false, err
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *fileStore) RecoverFiring(_ context.Context, errText string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := 0
	t := now()
	for _, j := range s.jobs {
		if j.State != StateFiring {
			continue
		}
		j.State = StateFailed
		j.LastError = errText
		j.UpdatedAt = t
		if err := s.putLocked(j); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *fileStore) PruneJobs(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := 0
	for id, j := range s.jobs {
		if !j.State.Terminal() || !j.UpdatedAt.Before(before) {
			continue
		}
		if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
			return n, err
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

func (s *fileStore) putLocked(j Job) error {
	if err := s.appendLocked(journalRecord{Op: "put", Job: &j}); err != nil {
		return err
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	list := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j)
	}
	sortJobs(list)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Job
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, j := range list {
		out[j.ID] = j
	}
	return nil
}

func replayJournal(path string, out map[string]Job) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch {
		case r.Op == "put" && r.Job != nil && r.Job.ID != "":
			out[r.Job.ID] = *r.Job
		case r.Op == "del" && r.ID != "":
			delete(out, r.ID)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
