package telegram

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"billops/internal/jobs"
	logx "billops/pkg/logx"
)

// Operator is the job surface reachable from chat commands.
type Operator interface {
	Status(ctx context.Context) ([]jobs.JobStatus, error)
	Run(ctx context.Context, t jobs.Type, trigger jobs.Trigger) (jobs.Run, error)
}

type operatorRef struct {
	mu sync.RWMutex
	op Operator
}

func (r *operatorRef) get() Operator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.op
}

// SetOperator wires the orchestrator, which is built after the bot.
func (b *Bot) SetOperator(op Operator) {
	b.ops.mu.Lock()
	b.ops.op = op
	b.ops.mu.Unlock()
}

func (b *Bot) registerCommands(tb *tele.Bot) {
	tb.Use(b.ownerOnly)
	tb.Handle("/jobs", func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return b.reply(c, b.jobsText(ctx))
	})
	// Runs are not bounded by the command; the orchestrator has no job deadline.
	tb.Handle("/run", func(c tele.Context) error {
		return b.reply(c, b.runText(context.Background(), c.Args()))
	})
}

func (b *Bot) reply(c tele.Context, text string) error {
	threadID := 0
	if m := c.Message(); m != nil {
		threadID = m.ThreadID
	}
	return b.SendText(context.Background(), c.Chat().ID, threadID, text)
}

func (b *Bot) ownerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !b.isOwner(sender.ID) {
			b.log.Debug("ignoring command from non-owner", logx.Int64("user", senderID(sender)))
			return nil
		}
		return next(c)
	}
}

// SetOwners replaces the user IDs allowed to run commands.
func (b *Bot) SetOwners(ids []int64) {
	b.ownersMu.Lock()
	b.owners = slices.Clone(ids)
	b.ownersMu.Unlock()
}

func (b *Bot) isOwner(id int64) bool {
	b.ownersMu.RLock()
	defer b.ownersMu.RUnlock()
	return slices.Contains(b.owners, id)
}

func senderID(u *tele.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

func (b *Bot) jobsText(ctx context.Context) string {
	op := b.ops.get()
	if op == nil {
		return "jobs are not available yet"
	}
	views, err := op.Status(ctx)
	if err != nil {
		b.log.Warn("status partially unavailable", logx.Err(err))
	}
	if len(views) == 0 {
		return "no jobs registered"
	}
	var sb strings.Builder
	for _, v := range views {
		fmt.Fprintf(&sb, "%s [%s] %s", v.Type, v.Schedule, v.Health)
		if v.Running {
			sb.WriteString(" running")
		}
		if !v.Enabled {
			sb.WriteString(" disabled")
		}
		if v.LastRun != nil {
			fmt.Fprintf(&sb, "\n  last %s", v.LastRun.Format(time.DateTime))
		}
		if v.NextRun != nil && v.Enabled {
			fmt.Fprintf(&sb, "\n  next %s", v.NextRun.Format(time.DateTime))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) runText(ctx context.Context, args []string) string {
	if len(args) != 1 {
		names := make([]string, 0, len(jobs.AllTypes()))
		for _, t := range jobs.AllTypes() {
			names = append(names, t.String())
		}
		return "usage: /run <type>\ntypes: " + strings.Join(names, ", ")
	}
	t, err := jobs.ParseType(args[0])
	if err != nil {
		return "Invalid job type"
	}
	op := b.ops.get()
	if op == nil {
		return "jobs are not available yet"
	}
	run, err := op.Run(ctx, t, jobs.TriggerManual)
	if errors.Is(err, jobs.ErrAlreadyRunning) {
		return fmt.Sprintf("%s is already running", t)
	}
	if err != nil {
		return "run rejected: " + err.Error()
	}
	return formatRun(run)
}

func formatRun(r jobs.Run) string {
	var dur int64
	if r.DurationMs != nil {
		dur = *r.DurationMs
	}
	s := fmt.Sprintf("%s %s in %dms", r.Type, r.Status, dur)
	if r.Result != nil {
		s += fmt.Sprintf("\n%+v", r.Result)
	}
	if r.Error != "" {
		s += "\nerror: " + r.Error
	}
	return s
}
