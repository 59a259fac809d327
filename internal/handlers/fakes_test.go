package handlers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"billops/internal/adapters/accounting"
	"billops/internal/dispatch"
	"billops/internal/jobs"
	"billops/internal/storage"
	logx "billops/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

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

type fakeUsage struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	fail  map[string]bool
	calls int
}

func (f *fakeUsage) Usage(_ context.Context, codes []string) (map[string]accounting.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := map[string]accounting.Usage{}
	for _, c := range codes {
		if f.fail[c] {
			return nil, errors.New("accounting unavailable")
		}
		if at, ok := f.seen[c]; ok {
			out[c] = accounting.Usage{Code: c, FirstSeen: at, LastSeen: at}
		}
	}
	return out, nil
}

type fakeIsolator struct {
	mu     sync.Mutex
	calls  []string
	err    error
	onCall func()
}

func (f *fakeIsolator) Isolate(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, username)
	if f.onCall != nil {
		f.onCall()
	}
	return f.err
}

func (f *fakeIsolator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type sentMessage struct{ phone, text string }

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sentMessage
	fail   bool
	onSend func()
}

func (f *fakeNotifier) Send(_ context.Context, phone, message string) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return dispatch.Result{Error: "all providers failed"}
	}
	if f.onSend != nil {
		f.onSend()
	}
	f.sent = append(f.sent, sentMessage{phone: phone, text: message})
	return dispatch.Result{Success: true}
}

func (f *fakeNotifier) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type sentDoc struct {
	chatID  int64
	path    string
	caption string
	existed bool
}

type fakeBot struct {
	mu       sync.Mutex
	pingErrs []error
	restarts int
	texts    []string
	docs     []sentDoc
	docErr   error
}

func (b *fakeBot) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pingErrs) == 0 {
		return nil
	}
	err := b.pingErrs[0]
	b.pingErrs = b.pingErrs[1:]
	return err
}

func (b *fakeBot) Restart(context.Context) error {
	b.mu.Lock()
	b.restarts++
	b.mu.Unlock()
	return nil
}

func (b *fakeBot) SendText(_ context.Context, _ int64, _ int, text string) error {
	b.mu.Lock()
	b.texts = append(b.texts, text)
	b.mu.Unlock()
	return nil
}

func (b *fakeBot) SendDocument(_ context.Context, chatID int64, _ int, path, caption string) error {
	_, statErr := os.Stat(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs = append(b.docs, sentDoc{chatID: chatID, path: path, caption: caption, existed: statErr == nil})
	return b.docErr
}

type fakeStatus struct{ views []jobs.JobStatus }

func (f fakeStatus) Status(context.Context) ([]jobs.JobStatus, error) { return f.views, nil }

// openSQLite returns a store that rejects writes on a canceled context.
func openSQLite(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "billops.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(cfg Config, st storage.Store, c *clock, mutate func(*Deps)) *Service {
	deps := Deps{Store: st, Now: c.Now}
	if mutate != nil {
		mutate(&deps)
	}
	return New(cfg, deps)
}
