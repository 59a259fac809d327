// Package telegram is the Telegram surface of billops: backup uploads, health
// pings, operator commands and the log sink.
package telegram

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	rtsup "billops/internal/runtime/supervisor"
	logx "billops/pkg/logx"
)

type Config struct {
	Token        string
	APIURL       string // defaults to the public Bot API
	PollTimeout  time.Duration
	OwnerUserIDs []int64
	// Offline skips the getMe call at construction.
	Offline bool
}

// Bot wraps a telebot long poller. Restart replaces the underlying client, so
// a wedged poller can be recovered without restarting the process.
type Bot struct {
	cfg Config
	log logx.Logger
	ops *operatorRef

	ownersMu sync.RWMutex
	owners   []int64

	mu      sync.Mutex
	bot     *tele.Bot
	sup     *rtsup.Supervisor
	running bool
	baseCtx context.Context
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), ops: &operatorRef{}}
	b.SetOwners(cfg.OwnerUserIDs)
	tb, err := b.newClient()
	if err != nil {
		return nil, err
	}
	b.bot = tb
	return b, nil
}

func (b *Bot) newClient() (*tele.Bot, error) {
	timeout := b.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:   b.cfg.Token,
		URL:     b.cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Client:  &http.Client{Timeout: timeout + 10*time.Second},
		Offline: b.cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			b.log.Warn("telegram update failed", logx.Err(err))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram client")
	}
	b.registerCommands(tb)
	return tb, nil
}

func (b *Bot) client() *tele.Bot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bot
}

// Supervisor exposes the poll loop state for health output.
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sup
}

// Start begins long polling for operator commands.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.baseCtx = context.WithoutCancel(ctx)
	b.sup = rtsup.New(b.baseCtx, rtsup.WithLogger(b.log))
	tb, sup := b.bot, b.sup

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		tb.Stop()
		return nil
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		tb.Start() // blocks until Stop
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
}

// Stop halts polling, waiting at most two seconds for the long poll to end.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	was := b.running
	b.sup, b.running = nil, false
	b.mu.Unlock()
	if !was || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		b.log.Debug("telegram stopped with error", logx.Err(err))
	}
	b.log.Info("polling stopped")
	return nil
}

// Restart rebuilds the client and resumes polling if it was running.
func (b *Bot) Restart(ctx context.Context) error {
	b.mu.Lock()
	was := b.running
	base := b.baseCtx
	b.mu.Unlock()

	if err := b.Stop(ctx); err != nil {
		return err
	}
	tb, err := b.newClient()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.bot = tb
	b.mu.Unlock()
	if was {
		b.Start(base)
	}
	b.log.Warn("telegram client restarted")
	return nil
}

// Ping calls getMe.
func (b *Bot) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.client().Raw("getMe", map[string]string{}); err != nil {
		return errors.Wrap(err, "getMe")
	}
	return nil
}

// SendText sends text, split into chunks under the Telegram message limit.
func (b *Bot) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	tb := b.client()
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := tb.Send(chat, chunk, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			return errors.Wrap(err, "send message")
		}
	}
	return nil
}

// SendLog implements the logx Telegram sink.
func (b *Bot) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return b.SendText(ctx, chatID, threadID, text)
}

// SendDocument uploads the file at path.
func (b *Bot) SendDocument(ctx context.Context, chatID int64, threadID int, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := &tele.Document{
		File:     tele.FromDisk(path),
		FileName: filepath.Base(path),
		Caption:  truncate(caption, captionLimit),
	}
	if _, err := b.client().Send(&tele.Chat{ID: chatID}, doc, &tele.SendOptions{ThreadID: threadID}); err != nil {
		return errors.Wrap(err, "send document")
	}
	return nil
}
