package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/config"
	"billops/internal/dispatch"
	"billops/internal/errs"
	"billops/internal/jobs"
)

func boolPtr(v bool) *bool { return &v }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "billops.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestMapJobOverrides(t *testing.T) {
	cfg := &config.Config{Jobs: map[string]config.JobConfig{
		"voucher_sync":    {Schedule: &config.ScheduleConfig{Kind: "interval", EveryMinutes: 2}},
		"telegram_backup": {Enabled: boolPtr(false), Schedule: &config.ScheduleConfig{Kind: "Daily", Time: "03:30"}},
		"auto_isolir":     {Enabled: boolPtr(true)},
	}}
	schedules, disabled, err := mapJobOverrides(cfg)
	require.NoError(t, err)
	assert.Equal(t, jobs.Every(2), schedules[jobs.VoucherSync])
	assert.Equal(t, jobs.Daily("03:30"), schedules[jobs.TelegramBackup])
	assert.Equal(t, map[jobs.Type]bool{jobs.TelegramBackup: true}, disabled)

	cfg.Jobs = map[string]config.JobConfig{"sync_everything": {}}
	_, _, err = mapJobOverrides(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	cfg.Jobs = map[string]config.JobConfig{"voucher_sync": {Schedule: &config.ScheduleConfig{Kind: "daily", Time: "25:00"}}}
	_, _, err = mapJobOverrides(cfg)
	assert.Error(t, err)
}

func TestMapProviders(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dispatcher.Providers = []config.ProviderConfig{
		{ID: "fonnte", Type: "Fonnte", APIURL: "https://api.fonnte.com/send", Token: "t", Priority: 1, Timeout: "5s"},
		{ID: "hook", Name: "Backup hook", Type: "webhook", APIURL: "http://hook", Priority: 2, Active: boolPtr(false)},
	}
	ps, err := mapProviders(cfg)
	require.NoError(t, err)
	require.Len(t, ps, 2)

	assert.Equal(t, dispatch.TypeFonnte, ps[0].Type)
	assert.Equal(t, "fonnte", ps[0].Name, "name defaults to id")
	assert.True(t, ps[0].IsActive, "active defaults to true")
	assert.Equal(t, 5*time.Second, ps[0].Timeout)
	assert.Equal(t, "t", ps[0].Credentials.Token)
	assert.False(t, ps[1].IsActive)

	cfg.Dispatcher.Providers = []config.ProviderConfig{{ID: "x", Type: "webhook", APIURL: "http://x", SuccessExpr: "status =="}}
	_, err = mapProviders(cfg)
	assert.Error(t, err, "bad success expression")
}

func TestMapHandlersConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Telegram.ChatID = -100
	cfg.Telegram.Health.RestartCooldown = "15m"
	cfg.Telegram.Backup.ChatID = -200
	cfg.Billing.GraceDays = 3

	hc, err := mapHandlersConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), hc.ReportChatID, "health report falls back to the log chat")
	assert.Equal(t, int64(-200), hc.BackupChatID)
	assert.Equal(t, 15*time.Minute, hc.RestartCooldown)
	assert.Equal(t, 3, hc.GraceDays)

	cfg.Telegram.Health.ChatID = -300
	hc, err = mapHandlersConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(-300), hc.ReportChatID)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	cfg.Storage = config.StorageConfig{Driver: "sqlite3", Path: "x.db"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage = config.StorageConfig{Driver: "file"}
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err)
}

const oneShotConfig = `
storage:
  driver: memory
dispatcher:
  providers:
    - id: primary
      type: webhook
      api_url: http://127.0.0.1:1/send
      priority: 1
    - id: secondary
      type: wablas
      api_url: http://127.0.0.1:1/api/send-message
      priority: 2
jobs:
  telegram_backup:
    enabled: false
`

func TestNewAppOneShot(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t, oneShotConfig), WithMode(ModeOneShot))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	stored, err := a.Store().ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2, "config providers are written to the store")

	def, ok := a.Orchestrator().Registry().Lookup(jobs.TelegramBackup)
	require.True(t, ok)
	assert.False(t, def.Enabled)

	// Empty store: invoice generation succeeds with nothing to do.
	run, err := a.Orchestrator().Run(ctx, jobs.InvoiceGenerate, jobs.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSuccess, run.Status)

	// No bot configured: backup is a validation failure recorded on the run.
	run, err = a.Orchestrator().Run(ctx, jobs.TelegramBackup, jobs.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusError, run.Status)
	assert.NotEmpty(t, run.Error)

	runs, err := a.Store().ListRuns(ctx, jobs.Filter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	assert.Error(t, a.Start(ctx), "one-shot apps do not start the daemon")
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	_, err := NewApp(context.Background(), writeConfig(t, "jobs:\n  nightly_magic: {}\n"), WithMode(ModeOneShot))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = NewApp(context.Background(), writeConfig(t, "unknown_section: {}\n"), WithMode(ModeOneShot))
	assert.Error(t, err)
}

func TestApplyConfig(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t, oneShotConfig), WithMode(ModeOneShot))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Dispatcher.Providers = oldCfg.Dispatcher.Providers[1:]
	newCfg.Jobs = map[string]config.JobConfig{
		"voucher_sync": {Schedule: &config.ScheduleConfig{Kind: "interval", EveryMinutes: 30}},
	}

	a.applyConfig(ctx, oldCfg, &newCfg)

	stored, err := a.Store().ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1, "providers removed from config are deleted")
	assert.Equal(t, "secondary", stored[0].ID)
	assert.Len(t, a.providers.All(), 1)

	def, _ := a.Orchestrator().Registry().Lookup(jobs.VoucherSync)
	assert.Equal(t, jobs.Every(30), def.Schedule)
	backup, _ := a.Orchestrator().Registry().Lookup(jobs.TelegramBackup)
	assert.True(t, backup.Enabled, "dropping the override re-enables the job")
}
