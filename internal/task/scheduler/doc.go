// Package scheduler registers recurring triggers on a robfig/cron runner.
//
// Two kinds of schedule exist:
//   - tasks (AddCron, AddInterval, AddSchedule) are enqueued into the task
//     engine on every trigger and run on its workers;
//   - tickers (AddTicker) run directly on the goroutine cron starts for the
//     trigger, with skip-if-still-running semantics. They are meant for short
//     polling loops that must keep their cadence regardless of engine load.
package scheduler
