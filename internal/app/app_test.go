package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postscheduler/internal/config"
	"postscheduler/internal/jobs"
	"postscheduler/internal/policy"
)

func TestMapPrune(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		jobs      config.JobsConfig
		wantSpec  string
		wantRet   time.Duration
		wantError bool
	}{
		{"defaults", config.JobsConfig{}, "@daily", defaultRetention, false},
		{"custom", config.JobsConfig{Retention: "48h", PruneSchedule: "6h"}, "6h", 48 * time.Hour, false},
		{"disabled", config.JobsConfig{Retention: "0s", PruneSchedule: "6h"}, "", 0, false},
		{"invalid", config.JobsConfig{Retention: "soon"}, "", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, ret, err := mapPrune(&config.Config{Jobs: tt.jobs})
			if (err != nil) != tt.wantError {
				t.Fatalf("err=%v", err)
			}
			if spec != tt.wantSpec || ret != tt.wantRet {
				t.Fatalf("got (%q, %s) want (%q, %s)", spec, ret, tt.wantSpec, tt.wantRet)
			}
		})
	}
}

func TestMapFriendsDefaultsOn(t *testing.T) {
	t.Parallel()

	off := false
	got := mapFriends(&config.Config{Policy: config.PolicyConfig{Friends: config.FriendsConfig{AutoComment: &off}}})
	want := policy.Friends{AutoLike: true, AutoSummary: true, AutoComment: false}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if every, err := mapPollInterval(cfg); err != nil || every != defaultPollInterval {
		t.Fatalf("poll=%s err=%v", every, err)
	}
	sc, err := mapStorage(cfg)
	if err != nil || sc.Path == "" {
		t.Fatalf("storage=%+v err=%v", sc, err)
	}
	dc, err := mapDispatch(cfg)
	if err != nil || dc.BatchSize != defaultBatchSize {
		t.Fatalf("dispatch=%+v err=%v", dc, err)
	}
	if p := mapTrackedAccounts(cfg); p != defaultTrackedAccounts {
		t.Fatalf("tracked=%q", p)
	}
	hc, err := mapHTTP(&config.Config{HTTP: config.HTTPConfig{MaxUploadMB: 2}})
	if err != nil || hc.MaxUploadBytes != 2<<20 {
		t.Fatalf("http=%+v err=%v", hc, err)
	}
	if _, ok := mapGenerator(cfg); ok {
		t.Fatal("generator enabled without key")
	}
}

func TestValidateRuntimeRejectsBadPruneSchedule(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Jobs: config.JobsConfig{PruneSchedule: "whenever"}}
	if err := validateRuntime(cfg); err == nil || !strings.Contains(err.Error(), "prune_schedule") {
		t.Fatalf("err=%v", err)
	}
	if err := validateRuntime(&config.Config{}); err != nil {
		t.Fatalf("defaults: %v", err)
	}
}

func writeAppConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `{
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "store")) + `"},
  "scheduler": {"poll_interval": "1s"},
  "monitor": {"tracked_accounts": "` + filepath.ToSlash(filepath.Join(dir, "missing.txt")) + `"},
  "reddit": {"client_id": "id", "client_secret": "s", "username": "me", "password": "pw", "user_agent": "test", "api_url": "http://127.0.0.1:1", "auth_url": "http://127.0.0.1:1"},
  "http": {"addr": "127.0.0.1:0", "upload_dir": "` + filepath.ToSlash(filepath.Join(dir, "uploads")) + `"}
}`
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(p); err == nil || !strings.Contains(err.Error(), "reddit.client_id") {
		t.Fatalf("err=%v", err)
	}
}

func TestAppStartStop(t *testing.T) {
	a, err := New(writeAppConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	snap := a.sched.Snapshot()
	names := map[string]bool{}
	for _, s := range snap.Schedules {
		names[s.Name] = true
	}
	if !names[pollTask] || !names[pruneTask] {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}

	h, ok := a.health(ctx).(health)
	if !ok || h.Status != "ok" || h.Generator {
		t.Fatalf("health=%+v", h)
	}
	if h.Runtime.App.Active == 0 {
		t.Fatalf("app supervisor reports no goroutines: %+v", h.Runtime)
	}

	// A far-future action stays pending across the poll.
	if _, err := a.queue.Enqueue(ctx, "golang_1.000000", time.Now().Add(time.Hour), jobs.Payload{Subreddit: "golang", Title: "later"}); err != nil {
		t.Fatal(err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}
