// Package handlers implements the domain work behind each job type.
//
// Every handler is safe to re-run: a second invocation within the same window
// observes the first one's writes and reports those items as skipped.
package handlers

import (
	"context"
	"sync"
	"time"

	"billops/internal/adapters/accounting"
	"billops/internal/alerts"
	"billops/internal/dispatch"
	"billops/internal/jobs"
	"billops/internal/storage"
	logx "billops/pkg/logx"
)

// UsageSource reports accounting usage per voucher code. Codes never seen are
// absent from the result.
type UsageSource interface {
	Usage(ctx context.Context, codes []string) (map[string]accounting.Usage, error)
}

// Isolator suspends a subscriber on the network controller.
type Isolator interface {
	Isolate(ctx context.Context, username string) error
}

// Notifier delivers a customer message.
type Notifier interface {
	Send(ctx context.Context, phone, message string) dispatch.Result
}

// AlertScanner generates operator notifications.
type AlertScanner interface {
	Run(ctx context.Context) (alerts.Summary, error)
}

// Bot is the Telegram surface used by the backup and health jobs.
type Bot interface {
	Ping(ctx context.Context) error
	Restart(ctx context.Context) error
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
	SendDocument(ctx context.Context, chatID int64, threadID int, path, caption string) error
}

// StatusSource supplies the job status view for health reports.
type StatusSource interface {
	Status(ctx context.Context) ([]jobs.JobStatus, error)
}

type Config struct {
	// Location defines billing periods and message dates.
	Location *time.Location

	UsageBatchSize   int
	UsageConcurrency int

	AgentBatchPattern string

	InvoiceLeadDays     int
	ReminderOffsetsDays []int
	GraceDays           int
	NotifyOnIsolate     bool
	CompanyName         string

	BackupDir       string
	BackupChatID    int64
	BackupThreadID  int
	KeepLocalBackup bool

	HealthReport    bool
	ReportChatID    int64
	ReportThreadID  int
	RestartCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.UsageBatchSize <= 0 {
		c.UsageBatchSize = 100
	}
	if c.UsageConcurrency <= 0 {
		c.UsageConcurrency = 4
	}
	if c.AgentBatchPattern == "" {
		c.AgentBatchPattern = "^AG"
	}
	if c.ReminderOffsetsDays == nil {
		c.ReminderOffsetsDays = []int{-3, 0, 3}
	}
	if c.GraceDays < 0 {
		c.GraceDays = 0
	}
	if c.CompanyName == "" {
		c.CompanyName = "billops"
	}
	if c.BackupDir == "" {
		c.BackupDir = "./backups"
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 10 * time.Minute
	}
	return c
}

type Deps struct {
	Store    storage.Store
	Usage    UsageSource
	Isolator Isolator
	Notifier Notifier
	Alerts   AlertScanner
	Bot      Bot
	Log      logx.Logger
	Now      func() time.Time
}

// Service owns handler state, including the Telegram restart cooldown.
type Service struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time

	mu     sync.RWMutex
	cfg    Config
	status StatusSource

	restartMu   sync.Mutex
	lastRestart time.Time
}

func New(cfg Config, deps Deps) *Service {
	s := &Service{
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "handlers")),
		now:  deps.Now,
		cfg:  cfg.withDefaults(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Apply swaps the configuration at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetStatusSource wires the orchestrator, which is built after the handlers.
func (s *Service) SetStatusSource(src StatusSource) {
	s.mu.Lock()
	s.status = src
	s.mu.Unlock()
}

func (s *Service) statusSource() StatusSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Handlers returns the job table.
func (s *Service) Handlers() jobs.Handlers {
	return jobs.Handlers{
		VoucherSync:       s.VoucherSync,
		AgentSales:        s.AgentSales,
		InvoiceGenerate:   s.InvoiceGenerate,
		InvoiceReminder:   s.InvoiceReminder,
		AutoIsolir:        s.AutoIsolir,
		NotificationCheck: s.NotificationCheck,
		TelegramBackup:    s.TelegramBackup,
		TelegramHealth:    s.TelegramHealth,
	}
}

func itemErr(item string, err error) jobs.ItemError {
	return jobs.ItemError{Item: item, Error: err.Error()}
}
