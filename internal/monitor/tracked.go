package monitor

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"

	"postscheduler/internal/policy"
	logx "postscheduler/pkg/logx"
)

// LoadTrackedAccounts reads one username per line, skipping blank lines and
// an optional "u/" prefix.
func LoadTrackedAccounts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		name = strings.TrimPrefix(strings.TrimPrefix(name, "/"), "u/")
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		out = append(out, name)
	}
	return out, sc.Err()
}

// StartTrackedAccounts starts one SubmissionsByUser monitor per account in
// the file at path. The file is read once; a missing file starts nothing.
func (s *Supervisor) StartTrackedAccounts(path string, provider policy.Provider) int {
	if strings.TrimSpace(path) == "" {
		return 0
	}
	names, err := LoadTrackedAccounts(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("monitor.tracked_missing", logx.String("path", path))
		} else {
			s.log.Error("monitor.tracked_read_failed", logx.String("path", path), logx.Err(err))
		}
		return 0
	}
	started := 0
	for _, name := range names {
		if _, err := s.Start(SubmissionsByUser, name, provider); err != nil {
			s.log.Warn("monitor.tracked_start_failed", logx.String("user", name), logx.Err(err))
			continue
		}
		started++
	}
	s.log.Info("monitor.tracked_started", logx.Int("accounts", len(names)), logx.Int("started", started))
	return started
}
