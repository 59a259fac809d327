package config

// Config is the billops daemon configuration. All durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	History    HistoryConfig    `json:"history"`
	Billing    BillingConfig    `json:"billing"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Accounting EndpointConfig   `json:"accounting"`
	Netctl     NetctlConfig     `json:"netctl"`
	Telegram   TelegramConfig   `json:"telegram"`

	// Jobs overrides schedule and enablement per job type, keyed by wire
	// name ("voucher_sync", "telegram_backup", ...).
	Jobs map[string]JobConfig `json:"jobs,omitempty"`
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
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the operator API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./billops.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Tick is how often due jobs are evaluated. Default "1m".
	Tick string `json:"tick,omitempty"`
}

type HistoryConfig struct {
	// Keep is the number of runs retained per job type. Default 100.
	Keep int `json:"keep,omitempty"`
}

// JobConfig overrides the built-in definition of one job type. Omitted
// fields keep the defaults.
type JobConfig struct {
	Enabled  *bool           `json:"enabled,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
}

// ScheduleConfig is one of:
//
//	{ "kind": "daily", "time": "02:00" }
//	{ "kind": "interval", "every_minutes": 5 }
//	{ "kind": "hourly" }
type ScheduleConfig struct {
	Kind         string `json:"kind"`
	Time         string `json:"time,omitempty"`
	EveryMinutes int    `json:"every_minutes,omitempty"`
}

type BillingConfig struct {
	CompanyName string `json:"company_name,omitempty"`

	// InvoiceLeadDays generates an invoice this many days before the
	// subscriber's billing day.
	InvoiceLeadDays int `json:"invoice_lead_days,omitempty"`
	// ReminderOffsetsDays are day offsets from the due date at which a
	// reminder is sent, e.g. [-3, 0, 3].
	ReminderOffsetsDays []int `json:"reminder_offsets_days,omitempty"`
	GraceDays           int   `json:"grace_days,omitempty"`
	NotifyOnIsolate     bool  `json:"notify_on_isolate,omitempty"`
	// DueSoon is the look-ahead for due-soon operator alerts. Default "72h".
	DueSoon string `json:"due_soon,omitempty"`

	AgentBatchPattern string `json:"agent_batch_pattern,omitempty"`
	UsageBatchSize    int    `json:"usage_batch_size,omitempty"`
	UsageConcurrency  int    `json:"usage_concurrency,omitempty"`
}

type DispatcherConfig struct {
	// Providers are upserted into storage on load and on every reload.
	Providers []ProviderConfig `json:"providers,omitempty"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type"`
	APIURL   string `json:"api_url"`
	Token    string `json:"token,omitempty"` // do not log
	Sender   string `json:"sender,omitempty"`
	Priority int    `json:"priority"`
	// Active defaults to true when omitted.
	Active      *bool   `json:"active,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	SuccessExpr string  `json:"success_expr,omitempty"`
}

// EndpointConfig is an authenticated HTTP collaborator.
type EndpointConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type NetctlConfig struct {
	EndpointConfig
	IsolatedProfile string `json:"isolated_profile,omitempty"`
}

// TelegramConfig enables the Telegram transport when Token is set.
type TelegramConfig struct {
	Token        string  `json:"token"`
	APIURL       string  `json:"api_url,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`

	Backup TelegramBackup `json:"backup"`
	Health TelegramHealth `json:"health"`
}

type TelegramBackup struct {
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	Dir       string `json:"dir,omitempty"`
	KeepLocal bool   `json:"keep_local,omitempty"`
}

type TelegramHealth struct {
	Report          bool   `json:"report"`
	ChatID          int64  `json:"chat_id,omitempty"`
	ThreadID        int    `json:"thread_id,omitempty"`
	RestartCooldown string `json:"restart_cooldown,omitempty"`
}
