package config

type Config struct {
	// TimeWindowHours bounds how far back fetchers look for content.
	TimeWindowHours int `json:"time_window_hours,omitempty"`

	// ExecutionInterval is a Go duration string (e.g. "30m", "1h") between
	// scheduled runs.
	ExecutionInterval string `json:"execution_interval,omitempty"`

	// HistorySize caps the in-memory execution history. 0 means the default
	// (200); a negative value means unbounded.
	HistorySize int `json:"history_size,omitempty"`

	RSSSources []string `json:"rss_sources,omitempty"`
	XSources   []string `json:"x_sources,omitempty"`

	LLM       LLMConfig       `json:"llm_config"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`

	// Telegram is optional. When the section is omitted, reports go to the
	// local backup directory and no command channel is started.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LLMConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
	// BatchSize bounds how many items go into one analysis request.
	// Defaults to 10.
	BatchSize int `json:"batch_size,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./briefbot_store" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	ChatID       int64   `json:"chat_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	RatePerSec   int     `json:"rate_per_sec,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// SchedulerConfig carries optional trigger extras on top of the fixed
// interval loop.
type SchedulerConfig struct {
	// DailyAt is an optional "HH:MM" wall-clock trigger.
	DailyAt string `json:"daily_at,omitempty"`
	// Timezone for DailyAt, IANA name (e.g. "Asia/Jakarta"). Defaults to
	// the host timezone.
	Timezone string `json:"timezone,omitempty"`
}
