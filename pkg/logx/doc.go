// Package logx configures postscheduler's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - console output readable (short timestamp and caller)
//   - the file sink JSON-structured, appended like a classic log file
//   - an optional Telegram sink gated by a minimum level and a rate limit
package logx
