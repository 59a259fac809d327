package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/dispatch"
	"billops/internal/eventbus"
	"billops/internal/jobs"
	"billops/internal/storage"
)

type chatRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (c *chatRecorder) SendText(_ context.Context, _ int64, _ int, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *chatRecorder) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestWatcherHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	st := storage.NewMemory()
	chat := &chatRecorder{}
	w := &Watcher{Store: st, Messenger: chat}
	w.SetChat(-100, 7)

	failed := jobs.Run{ID: "r1", Type: jobs.AutoIsolir, Status: jobs.StatusError, Trigger: jobs.TriggerSchedule, Error: "router unreachable"}
	require.NoError(t, w.Handle(ctx, eventbus.Event{Topic: eventbus.JobFinished, Time: at, Data: failed}))
	// the same run seen twice is one notification
	require.NoError(t, w.Handle(ctx, eventbus.Event{Topic: eventbus.JobFinished, Time: at, Data: failed}))

	ok := jobs.Run{ID: "r2", Type: jobs.VoucherSync, Status: jobs.StatusSuccess}
	require.NoError(t, w.Handle(ctx, eventbus.Event{Topic: eventbus.JobFinished, Time: at, Data: ok}))

	undelivered := dispatch.Result{Error: "all providers failed", Attempts: []dispatch.Attempt{{ProviderID: "a"}, {ProviderID: "b"}}}
	require.NoError(t, w.Handle(ctx, eventbus.Event{Topic: eventbus.DispatchResult, Time: at, Data: undelivered}))

	badInput := dispatch.Result{Error: "phone is required"}
	require.NoError(t, w.Handle(ctx, eventbus.Event{Topic: eventbus.DispatchResult, Time: at.Add(time.Second), Data: badInput}))

	list, err := st.ListNotifications(ctx, 0)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, n := range list {
		kinds[n.Kind]++
	}
	assert.Equal(t, map[string]int{KindJobFailed: 1, KindDeliveryFailed: 1}, kinds)

	texts := chat.Texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "auto_isolir")
	assert.Contains(t, texts[0], "router unreachable")
	assert.Contains(t, texts[1], "after 2 attempts")
}

func TestWatcherRunConsumesBus(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	w := &Watcher{Store: st}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, WatchedTopics...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, events) }()

	bus.Publish(eventbus.Event{Topic: eventbus.JobStarted, Data: jobs.Run{ID: "r0", Status: jobs.StatusRunning}})
	bus.Publish(eventbus.Event{Topic: eventbus.JobFinished, Data: jobs.Run{ID: "r1", Type: jobs.TelegramBackup, Status: jobs.StatusError, Error: "no bot"}})

	require.Eventually(t, func() bool {
		list, err := st.ListNotifications(context.Background(), 0)
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)

	unsub()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on closed channel")
	}
	cancel()
}
