package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"billops/internal/dispatch"
	"billops/internal/errs"
	"billops/internal/eventbus"
	"billops/internal/jobs"
	"billops/internal/storage"
	logx "billops/pkg/logx"
)

const (
	KindJobFailed      = "job_failed"
	KindDeliveryFailed = "delivery_failed"
)

// Topics the watcher consumes.
var WatchedTopics = []eventbus.Topic{eventbus.JobFinished, eventbus.DispatchResult}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n storage.Notification) (bool, error)
}

// Messenger posts an operator message. *telegram.Bot satisfies it.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

// Watcher turns failed runs and undelivered customer messages seen on the
// bus into operator notifications, and forwards new ones to the operator
// chat when one is set.
type Watcher struct {
	Store     NotificationStore
	Messenger Messenger // optional
	Log       logx.Logger
	Now       func() time.Time

	mu       sync.Mutex
	chatID   int64
	threadID int
}

// SetChat sets where new notifications are posted. Zero disables posting.
func (w *Watcher) SetChat(chatID int64, threadID int) {
	w.mu.Lock()
	w.chatID, w.threadID = chatID, threadID
	w.mu.Unlock()
}

// Run consumes events until ctx ends or the channel closes.
func (w *Watcher) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.Handle(ctx, e); err != nil {
				w.Log.Warn("event alert failed", logx.String("topic", string(e.Topic)), logx.Err(err))
			}
		}
	}
}

// Handle records a notification for e if it reports a failure.
func (w *Watcher) Handle(ctx context.Context, e eventbus.Event) error {
	var n storage.Notification
	switch e.Topic {
	case eventbus.JobFinished:
		run, ok := e.Data.(jobs.Run)
		if !ok || run.Status != jobs.StatusError {
			return nil
		}
		n = storage.Notification{
			Kind:  KindJobFailed,
			RefID: run.ID,
			Title: "Job failed",
			Body:  fmt.Sprintf("%s (%s) failed: %s", run.Type, run.Trigger, run.Error),
		}
	case eventbus.DispatchResult:
		res, ok := e.Data.(dispatch.Result)
		// Bad input is the caller's problem; only provider-side failures alert.
		if !ok || !errors.Is(res.Err(), errs.ErrExternal) {
			return nil
		}
		n = storage.Notification{
			Kind:  KindDeliveryFailed,
			RefID: e.Time.UTC().Format(time.RFC3339Nano),
			Title: "Message not delivered",
			Body:  fmt.Sprintf("%s after %d attempts", res.Error, len(res.Attempts)),
		}
	default:
		return nil
	}

	n.CreatedAt = e.Time
	if w.Now != nil && n.CreatedAt.IsZero() {
		n.CreatedAt = w.Now()
	}
	created, err := w.Store.CreateNotification(ctx, n)
	if err != nil || !created {
		return err
	}
	w.Log.Debug("notification created", logx.String("kind", n.Kind), logx.String("ref", n.RefID))

	w.mu.Lock()
	chatID, threadID := w.chatID, w.threadID
	w.mu.Unlock()
	if w.Messenger == nil || chatID == 0 {
		return nil
	}
	return w.Messenger.SendText(ctx, chatID, threadID, n.Title+"\n"+n.Body)
}
