package app

import (
	"strings"
	"time"

	"billops/internal/adapters/accounting"
	"billops/internal/adapters/netctl"
	"billops/internal/config"
	"billops/internal/dispatch"
	"billops/internal/errs"
	"billops/internal/handlers"
	"billops/internal/httpapi"
	"billops/internal/jobs"
	"billops/internal/scheduler"
	"billops/internal/storage"
	"billops/internal/transport/telegram"
	logx "billops/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errs.Validation("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errs.Validation("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errs.Validation("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, scheduler.DefaultTick)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		Tick:     tick,
	}, nil
}

// location is the zone billing periods and daily schedules use.
func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tg := cfg.Telegram
	if strings.TrimSpace(tg.Token) == "" {
		return telegram.Config{}, false, nil
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:        strings.TrimSpace(tg.Token),
		APIURL:       strings.TrimSpace(tg.APIURL),
		PollTimeout:  poll,
		OwnerUserIDs: tg.OwnerUserIDs,
	}, true, nil
}

func mapAccountingConfig(cfg *config.Config) (accounting.Config, error) {
	timeout, err := config.ParseDurationField("accounting.timeout", cfg.Accounting.Timeout)
	if err != nil {
		return accounting.Config{}, err
	}
	return accounting.Config{
		BaseURL: strings.TrimSpace(cfg.Accounting.BaseURL),
		Token:   cfg.Accounting.Token,
		Timeout: timeout,
	}, nil
}

func mapNetctlConfig(cfg *config.Config) (netctl.Config, error) {
	timeout, err := config.ParseDurationField("netctl.timeout", cfg.Netctl.Timeout)
	if err != nil {
		return netctl.Config{}, err
	}
	return netctl.Config{
		BaseURL:         strings.TrimSpace(cfg.Netctl.BaseURL),
		Token:           cfg.Netctl.Token,
		Timeout:         timeout,
		IsolatedProfile: strings.TrimSpace(cfg.Netctl.IsolatedProfile),
	}, nil
}

func mapHandlersConfig(cfg *config.Config) (handlers.Config, error) {
	b := cfg.Billing
	tg := cfg.Telegram
	cooldown, err := config.ParseDurationField("telegram.health.restart_cooldown", tg.Health.RestartCooldown)
	if err != nil {
		return handlers.Config{}, err
	}
	reportChat := tg.Health.ChatID
	if reportChat == 0 {
		reportChat = cfg.Logging.Telegram.ChatID
	}
	return handlers.Config{
		Location:            location(cfg),
		UsageBatchSize:      b.UsageBatchSize,
		UsageConcurrency:    b.UsageConcurrency,
		AgentBatchPattern:   strings.TrimSpace(b.AgentBatchPattern),
		InvoiceLeadDays:     b.InvoiceLeadDays,
		ReminderOffsetsDays: b.ReminderOffsetsDays,
		GraceDays:           b.GraceDays,
		NotifyOnIsolate:     b.NotifyOnIsolate,
		CompanyName:         strings.TrimSpace(b.CompanyName),
		BackupDir:           strings.TrimSpace(tg.Backup.Dir),
		BackupChatID:        tg.Backup.ChatID,
		BackupThreadID:      tg.Backup.ThreadID,
		KeepLocalBackup:     tg.Backup.KeepLocal,
		HealthReport:        tg.Health.Report,
		ReportChatID:        reportChat,
		ReportThreadID:      tg.Health.ThreadID,
		RestartCooldown:     cooldown,
	}, nil
}

func mapDueSoon(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("billing.due_soon", cfg.Billing.DueSoon, 72*time.Hour)
}

// mapJobOverrides turns the jobs section into schedule overrides and the set
// of disabled types.
func mapJobOverrides(cfg *config.Config) (map[jobs.Type]jobs.Schedule, map[jobs.Type]bool, error) {
	schedules := map[jobs.Type]jobs.Schedule{}
	disabled := map[jobs.Type]bool{}
	for name, jc := range cfg.Jobs {
		t, err := jobs.ParseType(name)
		if err != nil {
			return nil, nil, errs.Validation("jobs.%s: unknown job type", name)
		}
		if jc.Enabled != nil && !*jc.Enabled {
			disabled[t] = true
		}
		if jc.Schedule == nil {
			continue
		}
		s := jobs.Schedule{
			Kind:         jobs.ScheduleKind(strings.ToLower(strings.TrimSpace(jc.Schedule.Kind))),
			TimeOfDay:    strings.TrimSpace(jc.Schedule.Time),
			EveryMinutes: jc.Schedule.EveryMinutes,
		}
		if err := s.Validate(); err != nil {
			return nil, nil, errs.Validation("jobs.%s.schedule: %v", name, err)
		}
		schedules[t] = s
	}
	return schedules, disabled, nil
}

func mapProviders(cfg *config.Config) ([]dispatch.Provider, error) {
	out := make([]dispatch.Provider, 0, len(cfg.Dispatcher.Providers))
	for _, pc := range cfg.Dispatcher.Providers {
		id := strings.TrimSpace(pc.ID)
		timeout, err := config.ParseDurationField("dispatcher.providers["+id+"].timeout", pc.Timeout)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(pc.Name)
		if name == "" {
			name = id
		}
		p := dispatch.Provider{
			ID:          id,
			Name:        name,
			Type:        dispatch.ProviderType(strings.ToLower(strings.TrimSpace(pc.Type))),
			APIURL:      strings.TrimSpace(pc.APIURL),
			Credentials: dispatch.Credentials{Token: pc.Token, Sender: pc.Sender},
			Priority:    pc.Priority,
			IsActive:    pc.Active == nil || *pc.Active,
			Timeout:     timeout,
			RatePerSec:  pc.RatePerSec,
			SuccessExpr: strings.TrimSpace(pc.SuccessExpr),
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// validateConfig runs every mapper so a bad hot reload is rejected before it
// is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAccountingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNetctlConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHandlersConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDueSoon(cfg); err != nil {
		return err
	}
	if _, _, err := mapJobOverrides(cfg); err != nil {
		return err
	}
	if _, err := mapProviders(cfg); err != nil {
		return err
	}
	return nil
}
