package handlers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/alerts"
	"billops/internal/errs"
	"billops/internal/jobs"
	"billops/internal/storage"
)

func TestTelegramBackup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Status: storage.SubscriberActive}))

	t.Run("uploads and removes local copy", func(t *testing.T) {
		bot := &fakeBot{}
		svc := newTestService(Config{BackupDir: t.TempDir(), BackupChatID: -100123}, st, newClock(time.Now()), func(d *Deps) { d.Bot = bot })

		res, err := svc.TelegramBackup(ctx)
		require.NoError(t, err)
		out := res.(jobs.BackupResult)
		assert.Positive(t, out.Bytes)

		require.Len(t, bot.docs, 1)
		assert.Equal(t, int64(-100123), bot.docs[0].chatID)
		assert.True(t, bot.docs[0].existed)
		assert.Contains(t, bot.docs[0].caption, out.File)
		_, statErr := os.Stat(bot.docs[0].path)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("upload failure keeps file", func(t *testing.T) {
		bot := &fakeBot{docErr: errors.New("413 request entity too large")}
		svc := newTestService(Config{BackupDir: t.TempDir(), BackupChatID: 1}, st, newClock(time.Now()), func(d *Deps) { d.Bot = bot })

		_, err := svc.TelegramBackup(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrExternal))
		require.Len(t, bot.docs, 1)
		_, statErr := os.Stat(bot.docs[0].path)
		assert.NoError(t, statErr)
	})

	t.Run("requires chat", func(t *testing.T) {
		svc := newTestService(Config{BackupDir: t.TempDir()}, st, newClock(time.Now()), func(d *Deps) { d.Bot = &fakeBot{} })
		_, err := svc.TelegramBackup(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})
}

func TestTelegramHealthRestartCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	down := errors.New("connection refused")
	bot := &fakeBot{pingErrs: []error{down, nil}}
	svc := newTestService(Config{RestartCooldown: 10 * time.Minute}, storage.NewMemory(), c, func(d *Deps) { d.Bot = bot })

	res, err := svc.TelegramHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.TelegramHealthResult{Healthy: true, Restarted: true}, res)

	c.Set(c.Now().Add(5 * time.Minute))
	bot.pingErrs = []error{down}
	res, err = svc.TelegramHealth(ctx)
	require.Error(t, err)
	assert.False(t, res.(jobs.TelegramHealthResult).Healthy)
	assert.Equal(t, 1, bot.restarts)

	c.Set(c.Now().Add(6 * time.Minute))
	bot.pingErrs = []error{down, nil}
	_, err = svc.TelegramHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, bot.restarts)
}

func TestTelegramHealthReport(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	svc := newTestService(Config{HealthReport: true, ReportChatID: 42}, storage.NewMemory(), newClock(time.Now()), func(d *Deps) { d.Bot = bot })
	svc.SetStatusSource(fakeStatus{views: []jobs.JobStatus{
		{Type: jobs.VoucherSync, Enabled: true, Health: jobs.Healthy},
		{Type: jobs.AutoIsolir, Enabled: true, Health: jobs.Unhealthy, Running: true},
	}})

	res, err := svc.TelegramHealth(context.Background())
	require.NoError(t, err)
	out := res.(jobs.TelegramHealthResult)
	assert.True(t, out.Reported)
	require.Len(t, bot.texts, 1)
	assert.Contains(t, bot.texts[0], "voucher_sync: ok")
	assert.Contains(t, bot.texts[0], "auto_isolir: UNHEALTHY, running")
}

type stubAlerts struct{ sum alerts.Summary }

func (s stubAlerts) Run(context.Context) (alerts.Summary, error) { return s.sum, nil }

func TestNotificationCheck(t *testing.T) {
	t.Parallel()
	svc := newTestService(Config{}, storage.NewMemory(), newClock(time.Now()), func(d *Deps) {
		d.Alerts = stubAlerts{sum: alerts.Summary{Created: 2, Deduped: 5}}
	})
	res, err := svc.NotificationCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.NotificationCheckResult{Created: 2, Deduped: 5}, res)
}

func TestHandlersTableIsComplete(t *testing.T) {
	t.Parallel()
	svc := newTestService(Config{}, storage.NewMemory(), newClock(time.Now()), nil)
	_, err := jobs.NewRegistry(svc.Handlers(), nil, nil)
	assert.NoError(t, err)
}
