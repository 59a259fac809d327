package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"billops/internal/errs"
	"billops/internal/jobs"
	logx "billops/pkg/logx"
)

// NotificationCheck scans billing state for operator alerts.
func (s *Service) NotificationCheck(ctx context.Context) (jobs.Result, error) {
	if s.deps.Alerts == nil {
		return nil, errs.Validation("alert generator not configured")
	}
	sum, err := s.deps.Alerts.Run(ctx)
	if err != nil {
		return nil, err
	}
	return jobs.NotificationCheckResult{Created: sum.Created, Deduped: sum.Deduped}, nil
}

// TelegramBackup snapshots the store and uploads the file to the backup chat.
func (s *Service) TelegramBackup(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	if cfg.BackupChatID == 0 {
		return nil, errs.Validation("backup chat is not configured")
	}
	if s.deps.Bot == nil {
		return nil, errs.Validation("telegram is not configured")
	}

	path, err := s.deps.Store.Snapshot(ctx, cfg.BackupDir)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat snapshot")
	}
	name := filepath.Base(path)
	caption := fmt.Sprintf("%s backup %s (%d bytes)", cfg.CompanyName, name, fi.Size())
	if err := s.deps.Bot.SendDocument(ctx, cfg.BackupChatID, cfg.BackupThreadID, path, caption); err != nil {
		// Keep the file so the operator can recover it by hand.
		return nil, errs.External(err, "telegram")
	}
	if !cfg.KeepLocalBackup {
		if err := os.Remove(path); err != nil {
			s.log.Warn("remove local backup failed", logx.String("path", path), logx.Err(err))
		}
	}
	s.log.Info("backup uploaded", logx.String("file", name), logx.Int64("bytes", fi.Size()))
	return jobs.BackupResult{File: name, Bytes: fi.Size()}, nil
}

// TelegramHealth pings the bot, restarts the poller when unreachable (at most
// once per cooldown) and optionally posts a job health summary.
func (s *Service) TelegramHealth(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	if s.deps.Bot == nil {
		return nil, errs.Validation("telegram is not configured")
	}
	res := jobs.TelegramHealthResult{Healthy: true}

	if perr := s.deps.Bot.Ping(ctx); perr != nil {
		res.Healthy = false
		s.log.Warn("telegram ping failed", logx.Err(perr))
		if !s.restartAllowed() {
			res.Summary = "telegram unreachable, restart on cooldown"
			return res, errs.External(perr, "telegram")
		}
		if rerr := s.deps.Bot.Restart(ctx); rerr != nil {
			return res, errs.External(errors.CombineErrors(perr, rerr), "telegram")
		}
		res.Restarted = true
		if perr := s.deps.Bot.Ping(ctx); perr != nil {
			return res, errs.External(perr, "telegram")
		}
		res.Healthy = true
	}

	src := s.statusSource()
	if src != nil {
		views, err := src.Status(ctx)
		if err != nil {
			s.log.Warn("status partially unavailable", logx.Err(err))
		}
		res.Summary = summarize(views, res.Restarted)
	}
	if cfg.HealthReport && cfg.ReportChatID != 0 && res.Summary != "" {
		if err := s.deps.Bot.SendText(ctx, cfg.ReportChatID, cfg.ReportThreadID, res.Summary); err != nil {
			s.log.Warn("health report not delivered", logx.Err(err))
		} else {
			res.Reported = true
		}
	}
	return res, nil
}

// restartAllowed reserves a restart slot when the cooldown has passed.
func (s *Service) restartAllowed() bool {
	cooldown := s.config().RestartCooldown
	now := s.now()
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) < cooldown {
		return false
	}
	s.lastRestart = now
	return true
}

func summarize(views []jobs.JobStatus, restarted bool) string {
	if len(views) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Job health\n")
	if restarted {
		b.WriteString("(telegram poller restarted)\n")
	}
	for _, v := range views {
		mark := "ok"
		switch v.Health {
		case jobs.Degraded:
			mark = "degraded"
		case jobs.Unhealthy:
			mark = "UNHEALTHY"
		}
		if !v.Enabled {
			mark += ", disabled"
		}
		if v.Running {
			mark += ", running"
		}
		fmt.Fprintf(&b, "- %s: %s\n", v.Type, mark)
	}
	return strings.TrimRight(b.String(), "\n")
}
