package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown keys are rejected. Durations are Go duration strings.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler controls the due-action poll and housekeeping triggers.
	Scheduler SchedulerConfig `json:"scheduler"`
	// TaskEngine controls the workers that run actions. Omitted means
	// defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Jobs      JobsConfig      `json:"jobs"`
	Monitor   MonitorConfig   `json:"monitor"`
	Stream    StreamConfig    `json:"stream"`
	Policy    PolicyConfig    `json:"policy"`
	Reddit    RedditConfig    `json:"reddit"`
	Generator GeneratorConfig `json:"generator"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the bot used for log lines and alerts. The token may
// come from TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id"`
	APIURL string `json:"api_url,omitempty"`
	// Alerts forwards lifecycle events (posted, failed, monitor ended).
	Alerts TelegramAlerts `json:"alerts"`
}

type TelegramAlerts struct {
	Enabled  bool     `json:"enabled"`
	ThreadID int      `json:"thread_id,omitempty"`
	Events   []string `json:"events,omitempty"`
}

// StorageConfig selects the job store.
//
//	"storage": { "driver": "sqlite", "path": "./postscheduler.db" }
//
// Drivers: file (default), sqlite, postgres. The postgres DSN may come from
// DATABASE_URL.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type SchedulerConfig struct {
	// PollInterval is how often due actions are looked up. At most 10s;
	// default 10s.
	PollInterval string `json:"poll_interval,omitempty"`
	// Timezone is used for cron triggers and for the scheduled_time echoed
	// back to submitters. Default: local.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig defaults: workers 2, queue_size 256, history_size 200.
// Actions always run without retries regardless of retry_max.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type JobsConfig struct {
	// BatchSize caps actions claimed per poll. Default 16.
	BatchSize int `json:"batch_size,omitempty"`
	// ActionTimeout bounds one submission including uploads. Default 5m.
	ActionTimeout string `json:"action_timeout,omitempty"`
	// Retention is how long completed and failed actions are kept.
	// "0s" keeps them forever. Default 720h.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec or interval for pruning. Default @daily.
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type MonitorConfig struct {
	// MaxActive caps concurrent monitors; 0 means unlimited.
	MaxActive int `json:"max_active,omitempty"`
	// TrackedAccounts is a newline-delimited list of usernames read once
	// at start. Default "tracked_accounts.txt".
	TrackedAccounts string `json:"tracked_accounts,omitempty"`
}

type StreamConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	MaxBackoff   string `json:"max_backoff,omitempty"`
	MaxErrors    int    `json:"max_errors,omitempty"`
	SeenCapacity int    `json:"seen_capacity,omitempty"`
}

type PolicyConfig struct {
	// Persona is how friend replies are voiced.
	Persona string `json:"persona,omitempty"`
	// Friends is the initial friend policy; omitted flags default to on.
	Friends FriendsConfig `json:"friends"`
}

type FriendsConfig struct {
	AutoLike    *bool `json:"auto_like,omitempty"`
	AutoSummary *bool `json:"auto_summary,omitempty"`
	AutoComment *bool `json:"auto_comment,omitempty"`
}

// RedditConfig holds script-app credentials. Each secret may come from
// REDDIT_CLIENT_ID, REDDIT_CLIENT_SECRET, REDDIT_USERNAME, REDDIT_PASSWORD
// and REDDIT_USER_AGENT.
type RedditConfig struct {
	ClientID     string  `json:"client_id,omitempty"`
	ClientSecret string  `json:"client_secret,omitempty"`
	Username     string  `json:"username,omitempty"`
	Password     string  `json:"password,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
	APIURL       string  `json:"api_url,omitempty"`
	AuthURL      string  `json:"auth_url,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	ListingLimit int     `json:"listing_limit,omitempty"`
}

// GeneratorConfig configures text generation. Without an API key (here or
// in GEMINI_API_KEY) summaries and generated replies are disabled.
type GeneratorConfig struct {
	APIKey string   `json:"api_key,omitempty"`
	Models []string `json:"models,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	UploadDir    string `json:"upload_dir,omitempty"`
	MaxUploadMB  int    `json:"max_upload_mb,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// MaxRestarts stops retrying a failing listener after this many
	// restarts. 0 retries forever.
	MaxRestarts int `json:"max_restarts,omitempty"`
	// Pprof mounts /debug/pprof/ behind PprofToken.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}
