package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postscheduler/internal/app"
)

func TestParseAt(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 2*3600)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2030-01-02T03:04:05Z", time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2030-01-02 03:04", time.Date(2030, 1, 2, 3, 4, 0, 0, loc)},
		{"2030-01-02 03:04:05", time.Date(2030, 1, 2, 3, 4, 5, 0, loc)},
	}
	for _, tt := range tests {
		got, err := parseAt(tt.in, loc)
		if err != nil || !got.Equal(tt.want) {
			t.Fatalf("%q: got %v err=%v", tt.in, got, err)
		}
	}
	if _, err := parseAt("tomorrow", loc); err == nil {
		t.Fatal("expected error")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestJobsAddListCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: file\n  path: " + filepath.ToSlash(filepath.Join(dir, "store")) + "\nscheduler:\n  timezone: UTC\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	base := []string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env")}
	at := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)

	out, err := run(t, append(base, "jobs", "add", "--sub", "golang", "--title", "hello", "--text", "body", "--at", at)...)
	if err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "scheduled golang_") {
		t.Fatalf("add output: %q", out)
	}
	id := strings.Fields(out)[1]

	out, err = run(t, append(base, "jobs", "list", "--state", "pending")...)
	if err != nil || !strings.Contains(out, id) || !strings.Contains(out, "hello") {
		t.Fatalf("list: %v\n%s", err, out)
	}

	if _, err := run(t, append(base, "jobs", "add", "--sub", "golang", "--title", "now", "--at", time.Now().UTC().Format(time.RFC3339))...); err == nil {
		t.Fatal("add in the past should fail")
	}

	if out, err = run(t, append(base, "jobs", "cancel", id)...); err != nil {
		t.Fatalf("cancel: %v\n%s", err, out)
	}
	if _, err = run(t, append(base, "jobs", "cancel", id)...); err == nil {
		t.Fatal("second cancel should fail")
	}
}

func TestWaitStopReason(t *testing.T) {
	t.Parallel()

	// A signal cancels ctx and, through it, the app: both are ready.
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		appCtx, appCancel := context.WithCancel(ctx)
		cancel()
		if got := waitStop(ctx, appCtx.Done()); got != app.StopSignal {
			t.Fatalf("iteration %d: reason=%q want %q", i, got, app.StopSignal)
		}
		appCancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	close(done)
	if got := waitStop(ctx, done); got != app.StopFatalError {
		t.Fatalf("reason=%q want %q", got, app.StopFatalError)
	}
}
