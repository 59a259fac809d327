package config

import (
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BILLOPS_"

// envOverlay lists the settings that may come from the environment instead of
// the config file, mostly secrets and deployment-specific addresses. Unset
// variables leave the file value untouched.
type envOverlay struct {
	LogLevel string `env:"LOG_LEVEL"`

	HTTPEnabled *bool  `env:"HTTP_ENABLED"`
	HTTPAddr    string `env:"HTTP_ADDR"`
	HTTPToken   string `env:"HTTP_TOKEN"`

	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`

	SchedulerEnabled *bool  `env:"SCHEDULER_ENABLED"`
	Timezone         string `env:"TIMEZONE"`

	AccountingURL   string `env:"ACCOUNTING_URL"`
	AccountingToken string `env:"ACCOUNTING_TOKEN"`
	NetctlURL       string `env:"NETCTL_URL"`
	NetctlToken     string `env:"NETCTL_TOKEN"`

	TelegramToken  string  `env:"TELEGRAM_TOKEN"`
	TelegramOwners []int64 `env:"TELEGRAM_OWNER_IDS" envSeparator:","`
	BackupChatID   *int64  `env:"TELEGRAM_BACKUP_CHAT_ID"`
}

// ApplyEnv overlays BILLOPS_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnvFrom(cfg, nil)
}

// applyEnvFrom reads from environ when non-nil, the process environment
// otherwise.
func applyEnvFrom(cfg *Config, environ map[string]string) error {
	var ov envOverlay
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&ov, opts); err != nil {
		return errors.Wrap(err, "env overlay")
	}

	setString(&cfg.Logging.Level, ov.LogLevel)
	if ov.HTTPEnabled != nil {
		cfg.HTTP.Enabled = *ov.HTTPEnabled
	}
	setString(&cfg.HTTP.Addr, ov.HTTPAddr)
	setString(&cfg.HTTP.Token, ov.HTTPToken)
	setString(&cfg.Storage.Driver, ov.StorageDriver)
	setString(&cfg.Storage.Path, ov.StoragePath)
	if ov.SchedulerEnabled != nil {
		cfg.Scheduler.Enabled = *ov.SchedulerEnabled
	}
	setString(&cfg.Scheduler.Timezone, ov.Timezone)
	setString(&cfg.Accounting.BaseURL, ov.AccountingURL)
	setString(&cfg.Accounting.Token, ov.AccountingToken)
	setString(&cfg.Netctl.BaseURL, ov.NetctlURL)
	setString(&cfg.Netctl.Token, ov.NetctlToken)
	setString(&cfg.Telegram.Token, ov.TelegramToken)
	if len(ov.TelegramOwners) > 0 {
		cfg.Telegram.OwnerUserIDs = ov.TelegramOwners
	}
	if ov.BackupChatID != nil {
		cfg.Telegram.Backup.ChatID = *ov.BackupChatID
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}
