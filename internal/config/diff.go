package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postscheduler/pkg/logx"
)

// SummarizeChange lists the sections that differ between oldCfg and newCfg
// and returns log-safe attributes describing the new values. Secrets are
// reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
			logx.Bool("telegram.alerts", newCfg.Telegram.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", nTE.DefaultTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.batch_size", newCfg.Jobs.BatchSize),
			logx.String("jobs.retention", newCfg.Jobs.Retention),
			logx.String("jobs.prune_schedule", newCfg.Jobs.PruneSchedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) || !reflect.DeepEqual(oldCfg.Stream, newCfg.Stream) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Int("monitor.max_active", newCfg.Monitor.MaxActive),
			logx.String("stream.poll_interval", newCfg.Stream.PollInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs, logx.String("policy.persona", newCfg.Policy.Persona))
	}
	if !reflect.DeepEqual(oldCfg.Reddit, newCfg.Reddit) {
		changed = append(changed, "reddit")
		attrs = append(attrs,
			logx.Bool("reddit.credentials_set", newCfg.RedditReady() == nil),
			logx.Any("reddit.rate_per_sec", newCfg.Reddit.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.Bool("generator.api_key_set", set(newCfg.Generator.APIKey)),
			logx.Any("generator.models", newCfg.Generator.Models),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "reddit", "generator", "telegram":
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
