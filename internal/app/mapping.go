package app

import (
	"strings"
	"time"

	"postscheduler/internal/config"
	"postscheduler/internal/executor"
	"postscheduler/internal/monitor"
	"postscheduler/internal/policy"
	"postscheduler/internal/reddit"
	"postscheduler/internal/server"
	"postscheduler/internal/storage"
	"postscheduler/internal/stream"
	"postscheduler/internal/task/engine"
	"postscheduler/internal/textgen"
	logx "postscheduler/pkg/logx"
)

const (
	defaultPollInterval    = time.Second
	defaultRetention       = 30 * 24 * time.Hour
	defaultPruneSchedule   = "@daily"
	defaultBatchSize       = 16
	defaultTrackedAccounts = "tracked_accounts.txt"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "" || driver == "file") && path == "" {
		path = "./postscheduler_store"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// mapTaskEngine maps task_engine onto the engine. Actions set their own
// no-retry option, so retry_max only affects housekeeping tasks.
func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	defTimeout, err := config.Duration("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.Duration("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapPollInterval(cfg *config.Config) (time.Duration, error) {
	return config.DurationOr("scheduler.poll_interval", cfg.Scheduler.PollInterval, defaultPollInterval)
}

func mapLocation(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func mapDispatch(cfg *config.Config) (executor.DispatchConfig, error) {
	timeout, err := config.Duration("jobs.action_timeout", cfg.Jobs.ActionTimeout)
	if err != nil {
		return executor.DispatchConfig{}, err
	}
	batch := cfg.Jobs.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	return executor.DispatchConfig{BatchSize: batch, ActionTimeout: timeout}, nil
}

// mapPrune returns the prune trigger and retention. An explicit "0s"
// retention disables pruning (schedule "").
func mapPrune(cfg *config.Config) (schedule string, retention time.Duration, err error) {
	raw := strings.TrimSpace(cfg.Jobs.Retention)
	if raw == "" {
		retention = defaultRetention
	} else if retention, err = config.Duration("jobs.retention", raw); err != nil {
		return "", 0, err
	}
	if retention == 0 {
		return "", 0, nil
	}
	schedule = strings.TrimSpace(cfg.Jobs.PruneSchedule)
	if schedule == "" {
		schedule = defaultPruneSchedule
	}
	return schedule, retention, nil
}

func mapStream(cfg *config.Config) (stream.Config, error) {
	poll, err := config.Duration("stream.poll_interval", cfg.Stream.PollInterval)
	if err != nil {
		return stream.Config{}, err
	}
	maxBackoff, err := config.Duration("stream.max_backoff", cfg.Stream.MaxBackoff)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		PollInterval: poll,
		MaxBackoff:   maxBackoff,
		MaxErrors:    cfg.Stream.MaxErrors,
		SeenCapacity: cfg.Stream.SeenCapacity,
	}, nil
}

func mapMonitor(cfg *config.Config) (monitor.Config, error) {
	sc, err := mapStream(cfg)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{MaxActive: cfg.Monitor.MaxActive, Stream: sc}, nil
}

func mapTrackedAccounts(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Monitor.TrackedAccounts); p != "" {
		return p
	}
	return defaultTrackedAccounts
}

func mapPolicy(cfg *config.Config) policy.Config {
	return policy.Config{Persona: strings.TrimSpace(cfg.Policy.Persona)}
}

func mapFriends(cfg *config.Config) policy.Friends {
	f := policy.DefaultFriends
	if v := cfg.Policy.Friends.AutoLike; v != nil {
		f.AutoLike = *v
	}
	if v := cfg.Policy.Friends.AutoSummary; v != nil {
		f.AutoSummary = *v
	}
	if v := cfg.Policy.Friends.AutoComment; v != nil {
		f.AutoComment = *v
	}
	return f
}

func mapReddit(cfg *config.Config) (reddit.Config, error) {
	rc := cfg.Reddit
	timeout, err := config.Duration("reddit.timeout", rc.Timeout)
	if err != nil {
		return reddit.Config{}, err
	}
	return reddit.Config{
		ClientID:     rc.ClientID,
		ClientSecret: rc.ClientSecret,
		Username:     rc.Username,
		Password:     rc.Password,
		UserAgent:    rc.UserAgent,
		APIURL:       rc.APIURL,
		AuthURL:      rc.AuthURL,
		RatePerSec:   rc.RatePerSec,
		Burst:        rc.Burst,
		Timeout:      timeout,
		ListingLimit: rc.ListingLimit,
	}, nil
}

func mapGenerator(cfg *config.Config) (textgen.GenAIConfig, bool) {
	key := strings.TrimSpace(cfg.Generator.APIKey)
	if key == "" {
		return textgen.GenAIConfig{}, false
	}
	return textgen.GenAIConfig{APIKey: key, Models: cfg.Generator.Models}, true
}

func mapHTTP(cfg *config.Config) (server.Config, error) {
	hc := cfg.HTTP
	read, err := config.Duration("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.Duration("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.Duration("http.idle_timeout", hc.IdleTimeout)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:           hc.Addr,
		UploadDir:      hc.UploadDir,
		MaxUploadBytes: int64(hc.MaxUploadMB) << 20,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
		MaxRestarts:    hc.MaxRestarts,
		Pprof:          hc.Pprof,
		PprofToken:     hc.PprofToken,
	}, nil
}
