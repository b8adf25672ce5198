package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxPollInterval bounds scheduler.poll_interval: due actions must be
// looked at least this often.
const MaxPollInterval = 10 * time.Second

// Validate checks everything that can be checked without side effects. It
// is run on load and before a hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := Duration(path, raw)
		check(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			check(errors.New("storage.dsn (or DATABASE_URL) is required when storage.driver=postgres"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.MaxConns < 0 {
		check(errors.New("storage.max_conns must be >= 0"))
	}

	if d, err := Duration("scheduler.poll_interval", cfg.Scheduler.PollInterval); err != nil {
		check(err)
	} else if d > MaxPollInterval {
		check(fmt.Errorf("scheduler.poll_interval must be <= %s, got %s", MaxPollInterval, d))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			check(errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	if cfg.Jobs.BatchSize < 0 {
		check(errors.New("jobs.batch_size must be >= 0"))
	}
	dur("jobs.action_timeout", cfg.Jobs.ActionTimeout)
	dur("jobs.retention", cfg.Jobs.Retention)

	if cfg.Monitor.MaxActive < 0 {
		check(errors.New("monitor.max_active must be >= 0"))
	}
	dur("stream.poll_interval", cfg.Stream.PollInterval)
	dur("stream.max_backoff", cfg.Stream.MaxBackoff)
	if cfg.Stream.MaxErrors < 0 || cfg.Stream.SeenCapacity < 0 {
		check(errors.New("stream.max_errors and stream.seen_capacity must be >= 0"))
	}

	if cfg.Reddit.RatePerSec < 0 || cfg.Reddit.Burst < 0 || cfg.Reddit.ListingLimit < 0 {
		check(errors.New("reddit.rate_per_sec, reddit.burst and reddit.listing_limit must be >= 0"))
	}
	if cfg.Reddit.ListingLimit > 100 {
		check(errors.New("reddit.listing_limit must be <= 100"))
	}
	dur("reddit.timeout", cfg.Reddit.Timeout)

	if cfg.HTTP.MaxUploadMB < 0 {
		check(errors.New("http.max_upload_mb must be >= 0"))
	}
	if cfg.HTTP.MaxRestarts < 0 {
		check(errors.New("http.max_restarts must be >= 0"))
	}
	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if cfg.HTTP.Pprof && strings.TrimSpace(cfg.HTTP.PprofToken) == "" {
		check(errors.New("http.pprof requires http.pprof_token (or PPROF_TOKEN)"))
	}

	if cfg.Logging.Telegram.Enabled || cfg.Telegram.Alerts.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
			check(errors.New("telegram.token (or TELEGRAM_TOKEN) and telegram.chat_id are required when telegram output is enabled"))
		}
	}
	return errors.Join(errs...)
}

// RedditReady reports whether the platform credentials are complete. Serving
// requires them; the jobs subcommands do not.
func (c *Config) RedditReady() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"client_id", c.Reddit.ClientID},
		{"client_secret", c.Reddit.ClientSecret},
		{"username", c.Reddit.Username},
		{"password", c.Reddit.Password},
		{"user_agent", c.Reddit.UserAgent},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, "reddit."+f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Duration parses a non-negative duration at the given config path. Empty
// means zero.
func Duration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative, got %s", path, d)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for empty or zero values.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
