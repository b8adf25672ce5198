package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"postscheduler/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the scheduler, monitors and HTTP intake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			notifySystemd(daemon.SdNotifyReady)
			go watchdog(ctx)

			reason := waitStop(ctx, a.Done())
			notifySystemd(daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			runErr := a.Err()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return cmd
}

// waitStop blocks until a signal arrives or the app ends on its own. The
// app's context derives from ctx, so a signal closes done too; ctx decides.
func waitStop(ctx context.Context, done <-chan struct{}) app.StopReason {
	select {
	case <-ctx.Done():
	case <-done:
	}
	if ctx.Err() != nil {
		return app.StopSignal
	}
	return app.StopFatalError
}

// notifySystemd is a no-op outside systemd.
func notifySystemd(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notifySystemd(daemon.SdNotifyWatchdog)
		}
	}
}
