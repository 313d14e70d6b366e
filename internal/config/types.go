package config

// Config is the whole service configuration.
//
// All durations are Go duration strings ("500ms", "30s", "1h"). String values may
// reference environment variables as ${NAME}; they are expanded at parse time so
// tokens can stay out of the file.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	HTTP      HTTPConfig      `json:"http"`
	Booking   BookingConfig   `json:"booking"`

	// Admins are the sales team phones that receive admin reminders and booking alerts.
	Admins []string `json:"admins"`

	ZAPI     ZAPIConfig      `json:"zapi"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Notion   NotionConfig    `json:"notion"`
	Flexge   FlexgeConfig    `json:"flexge"`
	Sweep    SweepConfig     `json:"sweep"`
	Zaia     *ZaiaConfig     `json:"zaia,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Systemd  SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	JSON    bool         `json:"json,omitempty"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards entries at or above MinLevel to the telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the job store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./leadsync.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) | file | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the polling scheduler core.
//
// Defaults:
//   - timezone: "America/Sao_Paulo"
//   - tick_interval: "5s"
//   - callback_timeout: "30s"
//   - max_attempts: 5
//   - retry_base: "1m" (failed one-shot jobs back off retry_base * 2^(attempt-1))
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	TickInterval    string `json:"tick_interval,omitempty"`
	CallbackTimeout string `json:"callback_timeout,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
}

// EngineConfig controls the worker pool that runs due callbacks.
//
// Defaults: workers 4, queue_size 256, history_size 200.
type EngineConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	MaxDelay    string `json:"max_queue_delay,omitempty"`
}

// HTTPConfig controls the webhook/admin HTTP server.
type HTTPConfig struct {
	Addr            string `json:"addr"` // default ":8000"
	WebhookSecret   string `json:"webhook_secret,omitempty"`
	VerifySignature bool   `json:"verify_signature"`
	AdminToken      string `json:"admin_token,omitempty"` // empty disables /admin
	ReplayWindow    string `json:"replay_window,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	Pprof           bool   `json:"pprof,omitempty"`
}

// BookingConfig carries the links embedded in lead messages.
type BookingConfig struct {
	MeetingURL   string `json:"meeting_url"`
	PlacementURL string `json:"placement_url"`
	VideoURL     string `json:"video_url"`
}

type ZAPIConfig struct {
	BaseURL     string `json:"base_url,omitempty"` // default "https://api.z-api.io"
	Instance    string `json:"instance"`
	Token       string `json:"token"`
	ClientToken string `json:"client_token"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// TelegramConfig enables the admin mirror chat and the log alert sink.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	Mirror bool   `json:"mirror"`
}

// NotionConfig describes the CRM database. Property names default to the
// names used by the sales team's database.
type NotionConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	Token       string `json:"token"`
	DatabaseID  string `json:"database_id"`
	StatusValue string `json:"status_value,omitempty"`
	Timeout     string `json:"timeout,omitempty"`

	Props NotionProps `json:"props"`
}

type NotionProps struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Status    string `json:"status,omitempty"`
	Date      string `json:"date,omitempty"`
	TestLink  string `json:"test_link,omitempty"`
	TestDone  string `json:"test_done,omitempty"`
	TestLevel string `json:"test_level,omitempty"`
}

type FlexgeConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key"`
	Timeout string `json:"timeout,omitempty"`
}

// SweepConfig schedules the placement test sweep.
//
// Schedule accepts a Go duration ("1h"), "@every 1h", a descriptor ("@hourly")
// or a cron expression with a constant period.
type SweepConfig struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Pause    string   `json:"pause,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

type ZaiaConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	AgentID int64  `json:"agent_id"`
	Timeout string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async pipeline for immediate booking notifications.
//
// If the section is omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
