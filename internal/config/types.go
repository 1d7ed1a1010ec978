package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Targets   TargetsConfig   `json:"targets"`
	Progress  ProgressConfig  `json:"progress"`
	HTTP      HTTPConfig      `json:"http"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage *StorageConfig       `json:"storage,omitempty"`
	Jobs    map[string]JobConfig `json:"jobs,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through BROADCAST_TELEGRAM_TOKEN.
	// Without a token, deliveries go to the dry-run printer.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BroadcastConfig is the job pacing plus status retention.
//
// All durations are Go duration strings. Omitted fields use the defaults:
// jitter 2s-4s, delay 60s-180s, batch_size 20, rest 300s, tick 1s.
// A negative batch_size disables rests.
type BroadcastConfig struct {
	JitterMin string `json:"jitter_min,omitempty"`
	JitterMax string `json:"jitter_max,omitempty"`
	DelayMin  string `json:"delay_min,omitempty"`
	DelayMax  string `json:"delay_max,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	Rest      string `json:"rest,omitempty"`
	Tick      string `json:"tick,omitempty"`

	// Completed jobs are evicted after status_ttl or beyond status_max.
	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

type DeliveryConfig struct {
	// RatePerSec is a hard send ceiling under the pacing; 0 disables it.
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	ParseMode      string  `json:"parse_mode,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`
}

// TargetsConfig configures the target providers.
//
// A job source "sql:<query>" goes to the SQL provider; any other source is a
// .json/.yaml/.csv file resolved against base_dir.
type TargetsConfig struct {
	BaseDir string            `json:"base_dir,omitempty"`
	SQL     *SQLTargetsConfig `json:"sql,omitempty"`
}

type SQLTargetsConfig struct {
	Driver  string            `json:"driver"` // "sqlite" or "postgres"
	DSN     string            `json:"dsn"`
	Queries map[string]string `json:"queries"`
	Timeout string            `json:"timeout,omitempty"`
}

type ProgressConfig struct {
	// Buffer is the per-observer queue in the fan-out.
	Buffer   int              `json:"buffer,omitempty"`
	Telegram ProgressTelegram `json:"telegram"`
	Redis    *ProgressRedis   `json:"redis,omitempty"`
}

// ProgressTelegram keeps one live status message per job in an operator chat.
type ProgressTelegram struct {
	Enabled  bool   `json:"enabled"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type ProgressRedis struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// StorageConfig controls the audit trail and schedule marks.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./broadcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the operator API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8087").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8087"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// JobConfig is a named job operators can create by name.
type JobConfig struct {
	Source  string            `json:"source"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`

	// Schedule starts or resumes the job on a cron spec, HH:MM interval or
	// Go duration (see scheduler.NormalizeSpec).
	Schedule string `json:"schedule,omitempty"`
	// OncePer suppresses scheduled runs for this long after one fired.
	OncePer string `json:"once_per,omitempty"`
}
