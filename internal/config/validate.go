package config

import (
	"regexp"
	"strings"
	"time"

	"billops/internal/errs"
)

var knownLevels = map[string]bool{"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate performs the structural checks that need no other package.
// Job keys and schedules are checked where they are mapped to job types.
func (c *Config) Validate() error {
	if c == nil {
		return errs.Validation("config is nil")
	}
	if !knownLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return errs.Validation("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return errs.Validation("logging.file.path is required when file logging is enabled")
	}
	if !knownLevels[strings.ToLower(strings.TrimSpace(c.Logging.Telegram.MinLevel))] {
		return errs.Validation("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel)
	}

	durations := map[string]string{
		"http.read_timeout":                c.HTTP.ReadTimeout,
		"http.write_timeout":               c.HTTP.WriteTimeout,
		"http.idle_timeout":                c.HTTP.IdleTimeout,
		"storage.busy_timeout":             c.Storage.BusyTimeout,
		"scheduler.tick":                   c.Scheduler.Tick,
		"billing.due_soon":                 c.Billing.DueSoon,
		"accounting.timeout":               c.Accounting.Timeout,
		"netctl.timeout":                   c.Netctl.Timeout,
		"telegram.poll_timeout":            c.Telegram.PollTimeout,
		"telegram.health.restart_cooldown": c.Telegram.Health.RestartCooldown,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errs.Validation("scheduler.timezone: invalid %q: %v", tz, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errs.Validation("storage.path is required for driver %q", d)
		}
	default:
		return errs.Validation("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if c.History.Keep < 0 {
		return errs.Validation("history.keep must be >= 0")
	}

	b := c.Billing
	if b.InvoiceLeadDays < 0 {
		return errs.Validation("billing.invoice_lead_days must be >= 0")
	}
	if b.GraceDays < 0 {
		return errs.Validation("billing.grace_days must be >= 0")
	}
	if b.UsageBatchSize < 0 || b.UsageConcurrency < 0 {
		return errs.Validation("billing.usage_batch_size and billing.usage_concurrency must be >= 0")
	}
	if p := strings.TrimSpace(b.AgentBatchPattern); p != "" {
		if _, err := regexp.Compile(p); err != nil {
			return errs.Validation("billing.agent_batch_pattern: %v", err)
		}
	}

	seen := make(map[string]bool, len(c.Dispatcher.Providers))
	for i, p := range c.Dispatcher.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errs.Validation("dispatcher.providers[%d].id is required", i)
		}
		if seen[id] {
			return errs.Validation("dispatcher.providers: duplicate id %q", id)
		}
		seen[id] = true
		switch p.Type {
		case "fonnte", "wablas", "webhook":
		default:
			return errs.Validation("dispatcher.providers[%s].type: unknown type %q", id, p.Type)
		}
		if strings.TrimSpace(p.APIURL) == "" {
			return errs.Validation("dispatcher.providers[%s].api_url is required", id)
		}
		if p.RatePerSec < 0 {
			return errs.Validation("dispatcher.providers[%s].rate_per_sec must be >= 0", id)
		}
		if _, err := ParseDurationField("dispatcher.providers["+id+"].timeout", p.Timeout); err != nil {
			return err
		}
	}

	for name, jc := range c.Jobs {
		if strings.TrimSpace(name) == "" {
			return errs.Validation("jobs: empty job name")
		}
		if jc.Schedule != nil && strings.TrimSpace(jc.Schedule.Kind) == "" {
			return errs.Validation("jobs.%s.schedule.kind is required", name)
		}
	}
	return nil
}
