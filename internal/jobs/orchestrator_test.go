package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/errs"
	"billops/internal/eventbus"
)

// fakeHistory is a minimal in-package History used to observe writes.
type fakeHistory struct {
	mu      sync.Mutex
	runs    map[string]Run
	appends int
	updates int
	// maxRunning is the peak number of simultaneously running runs per type.
	maxRunning map[Type]int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{runs: map[string]Run{}, maxRunning: map[Type]int{}}
}

func (h *fakeHistory) AppendRun(_ context.Context, r Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appends++
	h.runs[r.ID] = r
	n := 0
	for _, x := range h.runs {
		if x.Type == r.Type && x.Status == StatusRunning {
			n++
		}
	}
	if n > h.maxRunning[r.Type] {
		h.maxRunning[r.Type] = n
	}
	return nil
}

func (h *fakeHistory) UpdateRun(_ context.Context, r Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates++
	h.runs[r.ID] = r
	return nil
}

func (h *fakeHistory) ListRuns(_ context.Context, f Filter) ([]Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []Run{}
	for _, r := range h.runs {
		if f.Type != nil && r.Type != *f.Type {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (h *fakeHistory) LastSuccess(ctx context.Context, t Type) (*Run, error) {
	runs, _ := h.ListRuns(ctx, Filter{Type: &t})
	for _, r := range runs {
		if r.Status == StatusSuccess {
			return &r, nil
		}
	}
	return nil, nil
}

func (h *fakeHistory) PruneRuns(ctx context.Context, t Type, keep int) (int, error) {
	runs, _ := h.ListRuns(ctx, Filter{Type: &t})
	if len(runs) <= keep {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range runs[keep:] {
		delete(h.runs, r.ID)
	}
	return len(runs) - keep, nil
}

func okHandler(res Result) Handler {
	return func(context.Context) (Result, error) { return res, nil }
}

func testHandlers() Handlers {
	return Handlers{
		VoucherSync:       okHandler(VoucherSyncResult{Synced: 1}),
		AgentSales:        okHandler(AgentSalesResult{}),
		InvoiceGenerate:   okHandler(InvoiceGenerateResult{}),
		InvoiceReminder:   okHandler(InvoiceReminderResult{}),
		AutoIsolir:        okHandler(AutoIsolirResult{}),
		NotificationCheck: okHandler(NotificationCheckResult{}),
		TelegramBackup:    okHandler(BackupResult{}),
		TelegramHealth:    okHandler(TelegramHealthResult{Healthy: true}),
	}
}

// stepClock advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestOrchestrator(t *testing.T, h Handlers, hist History, keep int) *Orchestrator {
	t.Helper()
	reg, err := NewRegistry(h, nil, nil)
	require.NoError(t, err)
	clock := &stepClock{cur: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	o, err := NewOrchestrator(Options{Registry: reg, History: hist, Keep: keep, Now: clock.Now, Bus: eventbus.New()})
	require.NoError(t, err)
	return o
}

func TestNewRegistryRequiresEveryHandler(t *testing.T) {
	t.Parallel()
	h := testHandlers()
	h.AutoIsolir = nil
	_, err := NewRegistry(h, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_isolir")

	_, err = NewRegistry(testHandlers(), map[Type]Schedule{VoucherSync: Every(0)}, nil)
	require.Error(t, err)
}

func TestRunEveryTypeProducesOneTerminalRun(t *testing.T) {
	t.Parallel()
	hist := newFakeHistory()
	o := newTestOrchestrator(t, testHandlers(), hist, 0)

	for _, typ := range AllTypes() {
		run, err := o.Run(context.Background(), typ, TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, typ, run.Type)
		assert.Equal(t, StatusSuccess, run.Status)
		require.NotNil(t, run.CompletedAt)
		require.NotNil(t, run.DurationMs)
		assert.False(t, run.CompletedAt.Before(run.StartedAt))
		assert.Equal(t, run.CompletedAt.Sub(run.StartedAt).Milliseconds(), *run.DurationMs)
		require.NotNil(t, run.Result)
		assert.Equal(t, typ, run.Result.JobType())
	}
	assert.Equal(t, len(AllTypes()), hist.appends)
	assert.Equal(t, len(AllTypes()), hist.updates)
	assert.Len(t, hist.runs, len(AllTypes()))
}

func TestRunUnknownType(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, testHandlers(), newFakeHistory(), 0)
	_, err := o.Run(context.Background(), Type(200), TriggerManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestRunCapturesHandlerErrorAndPanic(t *testing.T) {
	t.Parallel()
	h := testHandlers()
	h.InvoiceGenerate = func(context.Context) (Result, error) {
		return nil, errs.External(errors.New("connection refused"), "accounting")
	}
	h.AutoIsolir = func(context.Context) (Result, error) { panic("boom") }
	hist := newFakeHistory()
	o := newTestOrchestrator(t, h, hist, 0)

	run, err := o.Run(context.Background(), InvoiceGenerate, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, StatusError, run.Status)
	assert.Contains(t, run.Error, "connection refused")
	assert.Equal(t, TriggerSchedule, run.Trigger)

	run, err = o.Run(context.Background(), AutoIsolir, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusError, run.Status)
	assert.Contains(t, run.Error, "boom")
	assert.False(t, o.Running(AutoIsolir))

	stored := hist.runs[run.ID]
	assert.Equal(t, StatusError, stored.Status)
}

func TestRunSingleFlightPerType(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	h := testHandlers()
	h.InvoiceGenerate = func(ctx context.Context) (Result, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return InvoiceGenerateResult{Generated: 1}, nil
	}
	hist := newFakeHistory()
	o := newTestOrchestrator(t, h, hist, 0)

	done := make(chan Run, 1)
	go func() {
		run, err := o.Run(context.Background(), InvoiceGenerate, TriggerSchedule)
		assert.NoError(t, err)
		done <- run
	}()
	<-entered
	assert.True(t, o.Running(InvoiceGenerate))

	// A concurrent trigger of the same type is rejected.
	_, err := o.Run(context.Background(), InvoiceGenerate, TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	// Other types are not blocked.
	run, err := o.Run(context.Background(), VoucherSync, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)

	close(release)
	first := <-done
	assert.Equal(t, StatusSuccess, first.Status)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, hist.maxRunning[InvoiceGenerate])

	// Once released the type runs again.
	_, err = o.Run(context.Background(), InvoiceGenerate, TriggerManual)
	require.NoError(t, err)
}

func TestRunConcurrentTriggersNeverOverlap(t *testing.T) {
	t.Parallel()
	h := testHandlers()
	h.AutoIsolir = func(ctx context.Context) (Result, error) {
		time.Sleep(time.Millisecond)
		return AutoIsolirResult{}, nil
	}
	hist := newFakeHistory()
	o := newTestOrchestrator(t, h, hist, 0)

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(context.Background(), AutoIsolir, TriggerSchedule); errors.Is(err, ErrAlreadyRunning) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, hist.maxRunning[AutoIsolir])
	assert.Equal(t, 20-int(rejected.Load()), hist.appends)
}

func TestRunPrunesToKeep(t *testing.T) {
	t.Parallel()
	hist := newFakeHistory()
	o := newTestOrchestrator(t, testHandlers(), hist, 3)

	for i := 0; i < 7; i++ {
		_, err := o.Run(context.Background(), VoucherSync, TriggerSchedule)
		require.NoError(t, err)
	}
	_, err := o.Run(context.Background(), AgentSales, TriggerSchedule)
	require.NoError(t, err)

	vs := VoucherSync
	runs, err := hist.ListRuns(context.Background(), Filter{Type: &vs})
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	as := AgentSales
	runs, err = hist.ListRuns(context.Background(), Filter{Type: &as})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(testHandlers(), nil, nil)
	require.NoError(t, err)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	o, err := NewOrchestrator(Options{Registry: reg, History: newFakeHistory(), Bus: bus})
	require.NoError(t, err)

	run, err := o.Run(context.Background(), TelegramHealth, TriggerManual)
	require.NoError(t, err)

	got := []eventbus.Topic{}
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e.Topic)
			assert.Equal(t, run.ID, e.Data.(Run).ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []eventbus.Topic{eventbus.JobStarted, eventbus.JobFinished}, got)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	fail := true
	h := testHandlers()
	h.VoucherSync = func(context.Context) (Result, error) {
		if fail {
			return nil, errors.New("accounting down")
		}
		return VoucherSyncResult{Synced: 2}, nil
	}
	hist := newFakeHistory()
	o := newTestOrchestrator(t, h, hist, 0)
	ctx := context.Background()

	_, err := o.Run(ctx, VoucherSync, TriggerSchedule)
	require.NoError(t, err)
	fail = false
	last, err := o.Run(ctx, VoucherSync, TriggerSchedule)
	require.NoError(t, err)

	views, err := o.Status(ctx)
	require.NoError(t, err)
	require.Len(t, views, len(AllTypes()))

	vs := views[VoucherSync]
	assert.Equal(t, VoucherSync, vs.Type)
	assert.Equal(t, Degraded, vs.Health)
	require.NotNil(t, vs.LastRun)
	assert.True(t, vs.LastRun.Equal(last.StartedAt))
	require.NotNil(t, vs.LastSuccessAt)
	assert.True(t, vs.LastSuccessAt.Equal(*last.CompletedAt))
	require.NotNil(t, vs.NextRun)
	assert.True(t, vs.NextRun.Equal(last.StartedAt.Add(5*time.Minute)))
	assert.Len(t, vs.RecentHistory, 2)

	never := views[AgentSales]
	assert.Nil(t, never.LastRun)
	assert.Nil(t, never.LastSuccessAt)
	assert.Equal(t, Healthy, never.Health)
	assert.Empty(t, never.RecentHistory)
	require.NotNil(t, never.NextRun)
}

func TestRunJSONRoundTripKeepsResultType(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, testHandlers(), newFakeHistory(), 0)
	run, err := o.Run(context.Background(), VoucherSync, TriggerManual)
	require.NoError(t, err)

	b, err := json.Marshal(run)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"jobType":"voucher_sync"`)

	var back Run
	require.NoError(t, json.Unmarshal(b, &back))
	res, ok := back.Result.(VoucherSyncResult)
	require.True(t, ok)
	assert.Equal(t, 1, res.Synced)
}
