package config

import (
	"reflect"
	"sort"
	"strings"

	logx "billops/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens) are only reported as set or
// unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Int("history.keep", newCfg.History.Keep))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Any("jobs.changed", changedJobs(oldCfg.Jobs, newCfg.Jobs)))
	}

	if !reflect.DeepEqual(oldCfg.Billing, newCfg.Billing) {
		changed = append(changed, "billing")
		attrs = append(attrs,
			logx.Int("billing.invoice_lead_days", newCfg.Billing.InvoiceLeadDays),
			logx.Int("billing.grace_days", newCfg.Billing.GraceDays),
			logx.Any("billing.reminder_offsets_days", newCfg.Billing.ReminderOffsetsDays),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		ids := make([]string, 0, len(newCfg.Dispatcher.Providers))
		for _, p := range newCfg.Dispatcher.Providers {
			ids = append(ids, p.ID)
		}
		attrs = append(attrs, logx.Any("dispatcher.providers", ids))
	}

	if oldCfg.Accounting != newCfg.Accounting {
		changed = append(changed, "accounting")
		attrs = append(attrs, logx.String("accounting.base_url", newCfg.Accounting.BaseURL))
	}
	if oldCfg.Netctl != newCfg.Netctl {
		changed = append(changed, "netctl")
		attrs = append(attrs, logx.String("netctl.base_url", newCfg.Netctl.BaseURL))
	}

	// Telegram (never log token)
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.backup_chat_set", newCfg.Telegram.Backup.ChatID != 0),
			logx.Bool("telegram.health_report", newCfg.Telegram.Health.Report),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "accounting", "netctl":
			out = append(out, s)
		}
	}
	return out
}

func changedJobs(oldJobs, newJobs map[string]JobConfig) []string {
	names := map[string]struct{}{}
	for k := range oldJobs {
		names[k] = struct{}{}
	}
	for k := range newJobs {
		names[k] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for k := range names {
		if !reflect.DeepEqual(oldJobs[k], newJobs[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
