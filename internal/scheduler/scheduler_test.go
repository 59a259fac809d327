package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/jobs"
	"billops/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type counter struct {
	mu    sync.Mutex
	calls map[jobs.Type]int
}

func (c *counter) handler(t jobs.Type, res jobs.Result) jobs.Handler {
	return func(context.Context) (jobs.Result, error) {
		c.mu.Lock()
		c.calls[t]++
		c.mu.Unlock()
		return res, nil
	}
}

func (c *counter) snapshot() map[jobs.Type]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[jobs.Type]int{}
	for k, v := range c.calls {
		out[k] = v
	}
	return out
}

func newHarness(t *testing.T, c *clock, disabled map[jobs.Type]bool) (*Service, *counter) {
	t.Helper()
	cnt := &counter{calls: map[jobs.Type]int{}}
	h := jobs.Handlers{
		VoucherSync:       cnt.handler(jobs.VoucherSync, jobs.VoucherSyncResult{}),
		AgentSales:        cnt.handler(jobs.AgentSales, jobs.AgentSalesResult{}),
		InvoiceGenerate:   cnt.handler(jobs.InvoiceGenerate, jobs.InvoiceGenerateResult{}),
		InvoiceReminder:   cnt.handler(jobs.InvoiceReminder, jobs.InvoiceReminderResult{}),
		AutoIsolir:        cnt.handler(jobs.AutoIsolir, jobs.AutoIsolirResult{}),
		NotificationCheck: cnt.handler(jobs.NotificationCheck, jobs.NotificationCheckResult{}),
		TelegramBackup:    cnt.handler(jobs.TelegramBackup, jobs.BackupResult{}),
		TelegramHealth:    cnt.handler(jobs.TelegramHealth, jobs.TelegramHealthResult{Healthy: true}),
	}
	reg, err := jobs.NewRegistry(h, nil, disabled)
	require.NoError(t, err)
	st := storage.NewMemory()
	orch, err := jobs.NewOrchestrator(jobs.Options{Registry: reg, History: st, Location: time.UTC, Now: c.Now})
	require.NoError(t, err)

	// Disabled ticker: the test drives Tick by hand.
	s := New(Config{Enabled: false, Timezone: "UTC"}, Options{Runner: orch, History: st, Now: c.Now})
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, cnt
}

func tickAndWait(s *Service) {
	s.Tick()
	s.wg.Wait()
}

func TestTickLaunchesDueJobs(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := &clock{now: start}
	s, cnt := newHarness(t, c, map[jobs.Type]bool{jobs.TelegramHealth: true})

	tickAndWait(s)
	assert.Equal(t, map[jobs.Type]int{
		jobs.VoucherSync:       1,
		jobs.AgentSales:        1,
		jobs.NotificationCheck: 1,
	}, cnt.snapshot(), "interval jobs with no history are due, daily ones wait")

	tickAndWait(s)
	assert.Equal(t, 1, cnt.snapshot()[jobs.VoucherSync], "not due again within the interval")

	c.Set(start.Add(5 * time.Minute))
	tickAndWait(s)
	got := cnt.snapshot()
	assert.Equal(t, 2, got[jobs.VoucherSync])
	assert.Equal(t, 1, got[jobs.AgentSales])

	// Past 00:05 next day: invoice generation and auto isolation fire once.
	c.Set(time.Date(2024, 1, 2, 0, 31, 0, 0, time.UTC))
	tickAndWait(s)
	tickAndWait(s)
	got = cnt.snapshot()
	assert.Equal(t, 1, got[jobs.InvoiceGenerate])
	assert.Equal(t, 1, got[jobs.AutoIsolir])
	assert.Equal(t, 0, got[jobs.InvoiceReminder])
	assert.Equal(t, 0, got[jobs.TelegramBackup])
	assert.Equal(t, 0, got[jobs.TelegramHealth])
}

func TestDailyWithHistoryUsesLastRun(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	c := &clock{now: start}
	s, cnt := newHarness(t, c, nil)

	// 02:00 backup is due once the clock passes it after startup.
	c.Set(start.Add(90 * time.Minute))
	tickAndWait(s)
	assert.Equal(t, 1, cnt.snapshot()[jobs.TelegramBackup])

	c.Set(start.Add(20 * time.Hour))
	tickAndWait(s)
	assert.Equal(t, 1, cnt.snapshot()[jobs.TelegramBackup])

	c.Set(start.Add(25*time.Hour + time.Minute))
	tickAndWait(s)
	assert.Equal(t, 2, cnt.snapshot()[jobs.TelegramBackup])
}

func TestTickAfterStopIsNoop(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	s, cnt := newHarness(t, c, nil)
	s.Stop(context.Background())
	tickAndWait(s)
	assert.Empty(t, cnt.snapshot())
}

func TestLaunchAfterStopIsDropped(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	s, cnt := newHarness(t, c, nil)
	s.mu.Lock()
	stale := s.runCtx
	s.mu.Unlock()
	require.NotNil(t, stale)

	s.Stop(context.Background())

	// a tick that read the context before Stop reaches launch afterwards
	s.launch(stale, jobs.VoucherSync)
	s.wg.Wait()
	assert.Empty(t, cnt.snapshot())
}

func TestLoadLocationFallsBack(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Mars/Olympus"}, Options{})
	assert.Equal(t, time.Local, s.Location())
	s.Apply(Config{Timezone: "UTC"})
	assert.Equal(t, "UTC", s.Location().String())
}

func TestApplyTogglesTicker(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	s, cnt := newHarness(t, c, nil)

	ticking := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.c != nil
	}
	require.False(t, ticking())

	s.Apply(Config{Enabled: true, Timezone: "UTC", Tick: time.Hour})
	assert.True(t, ticking(), "enabling via config starts the ticker")
	// starting the ticker evaluates once right away
	require.Eventually(t, func() bool { return cnt.snapshot()[jobs.VoucherSync] == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Apply(Config{Enabled: false, Timezone: "UTC", Tick: time.Hour})
	assert.False(t, ticking())
}
