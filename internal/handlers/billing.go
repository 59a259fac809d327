package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"billops/internal/errs"
	"billops/internal/jobs"
	"billops/internal/storage"
	logx "billops/pkg/logx"
)

func isConflict(err error) bool { return errors.Is(err, errs.ErrConflict) }

// billingDate returns the billing instant of sub in the month of ref, with
// the billing day clamped to the month length.
func billingDate(year int, month time.Month, day int, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day < 1 {
		day = 1
	}
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// InvoiceGenerate creates one invoice per active or isolated subscriber for
// the current month once the billing date minus the lead time is reached.
func (s *Service) InvoiceGenerate(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	now := s.now().In(cfg.Location)
	period := now.Format("2006-01")
	st := s.deps.Store

	subs, err := st.ListSubscribers(ctx, storage.SubscriberActive, storage.SubscriberIsolated)
	if err != nil {
		return nil, err
	}
	res := jobs.InvoiceGenerateResult{Period: period}
	for _, sub := range subs {
		due := billingDate(now.Year(), now.Month(), sub.BillingDay, cfg.Location)
		if now.Before(due.AddDate(0, 0, -cfg.InvoiceLeadDays)) {
			res.Skipped++
			continue
		}
		if _, found, err := st.FindInvoice(ctx, sub.ID, period); err != nil {
			res.Errors = append(res.Errors, itemErr(sub.ID, err))
			continue
		} else if found {
			res.Skipped++
			continue
		}
		if sub.Price <= 0 {
			res.Errors = append(res.Errors, jobs.ItemError{Item: sub.ID, Error: "subscriber has no price"})
			continue
		}
		err := st.CreateInvoice(ctx, storage.Invoice{
			SubscriberID: sub.ID,
			Period:       period,
			Amount:       sub.Price,
			DueDate:      due,
			Status:       storage.InvoiceUnpaid,
			CreatedAt:    now,
		})
		switch {
		case err == nil:
			res.Generated++
		case isConflict(err):
			res.Skipped++
		default:
			res.Errors = append(res.Errors, itemErr(sub.ID, err))
		}
	}
	s.log.Info("invoices generated", logx.String("period", period), logx.Int("generated", res.Generated), logx.Int("skipped", res.Skipped))
	return res, nil
}

// thresholdsCrossed counts reminder offsets (days relative to due) reached
// at now.
func thresholdsCrossed(due time.Time, offsets []int, now time.Time) int {
	n := 0
	for _, off := range offsets {
		if !now.Before(due.AddDate(0, 0, off)) {
			n++
		}
	}
	return n
}

// InvoiceReminder sends at most one reminder per newly crossed threshold.
// A failed send leaves ReminderCount unchanged so the next run retries.
func (s *Service) InvoiceReminder(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	now := s.now()
	st := s.deps.Store

	unpaid, err := st.ListInvoices(ctx, storage.InvoiceFilter{Status: storage.InvoiceUnpaid})
	if err != nil {
		return nil, err
	}
	res := jobs.InvoiceReminderResult{}
	for _, inv := range unpaid {
		k := thresholdsCrossed(inv.DueDate, cfg.ReminderOffsetsDays, now)
		if k == 0 || inv.ReminderCount >= k {
			res.Skipped++
			continue
		}
		sub, err := st.GetSubscriber(ctx, inv.SubscriberID)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, itemErr(inv.ID, err))
			continue
		}
		if sub.Status == storage.SubscriberInactive {
			res.Skipped++
			continue
		}
		out := s.deps.Notifier.Send(ctx, sub.Phone, reminderMessage(cfg, sub, inv, now))
		if !out.Success {
			res.Failed++
			res.Errors = append(res.Errors, jobs.ItemError{Item: inv.ID, Error: out.Error})
			continue
		}
		inv.ReminderCount = k
		at := now
		inv.LastReminderAt = &at
		// The message is out; record it even if ctx ended meanwhile.
		if err := st.UpdateInvoice(context.WithoutCancel(ctx), inv); err != nil {
			// Delivered but not recorded: the next run may remind again.
			res.Errors = append(res.Errors, itemErr(inv.ID, err))
		}
		res.Sent++
	}
	s.log.Info("reminders processed", logx.Int("sent", res.Sent), logx.Int("skipped", res.Skipped), logx.Int("failed", res.Failed))
	if res.Sent == 0 && res.Failed > 0 {
		return res, errors.Newf("all %d reminders failed", res.Failed)
	}
	return res, nil
}

func reminderMessage(cfg Config, sub storage.Subscriber, inv storage.Invoice, now time.Time) string {
	due := inv.DueDate.In(cfg.Location)
	var when string
	switch days := int(due.Sub(now).Hours() / 24); {
	case now.After(due):
		when = fmt.Sprintf("sudah lewat jatuh tempo sejak %s", due.Format("02-01-2006"))
	case days == 0:
		when = "jatuh tempo hari ini"
	default:
		when = fmt.Sprintf("jatuh tempo pada %s", due.Format("02-01-2006"))
	}
	return fmt.Sprintf("Halo %s, tagihan %s periode %s sebesar Rp%d %s. Terima kasih.\n- %s",
		sub.Name, cfg.CompanyName, inv.Period, inv.Amount, when, cfg.CompanyName)
}

// AutoIsolir isolates active subscribers with an unpaid invoice past due
// plus the grace window. The network controller is called first; the local
// status only changes once it succeeded, so a failed call is retried on the
// next run and an isolated subscriber is never isolated twice.
func (s *Service) AutoIsolir(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	now := s.now()
	st := s.deps.Store

	unpaid, err := st.ListInvoices(ctx, storage.InvoiceFilter{Status: storage.InvoiceUnpaid})
	if err != nil {
		return nil, err
	}
	overdue := map[string]storage.Invoice{}
	for _, inv := range unpaid {
		if now.Before(inv.DueDate.AddDate(0, 0, cfg.GraceDays)) {
			continue
		}
		if cur, ok := overdue[inv.SubscriberID]; !ok || inv.DueDate.Before(cur.DueDate) {
			overdue[inv.SubscriberID] = inv
		}
	}
	ids := make([]string, 0, len(overdue))
	for id := range overdue {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := jobs.AutoIsolirResult{}
	for _, id := range ids {
		sub, err := st.GetSubscriber(ctx, id)
		if err != nil {
			res.Errors = append(res.Errors, itemErr(id, err))
			continue
		}
		if sub.Status != storage.SubscriberActive {
			res.Skipped++
			continue
		}
		if err := s.deps.Isolator.Isolate(ctx, sub.Username); err != nil {
			res.Errors = append(res.Errors, itemErr(sub.ID, err))
			continue
		}
		at := now
		sub.Status = storage.SubscriberIsolated
		sub.IsolatedAt = &at
		// The controller already suspended the user; a canceled ctx must not
		// leave the local status active and trigger a second suspend.
		if err := st.PutSubscriber(context.WithoutCancel(ctx), sub); err != nil {
			res.Errors = append(res.Errors, itemErr(sub.ID, errors.Wrap(err, "isolated on network but local update failed")))
			continue
		}
		res.Isolated++
		s.log.Info("subscriber isolated", logx.String("subscriber", sub.ID), logx.String("username", sub.Username))

		if cfg.NotifyOnIsolate && s.deps.Notifier != nil && sub.Phone != "" {
			inv := overdue[id]
			msg := fmt.Sprintf("Halo %s, layanan internet Anda dinonaktifkan sementara karena tagihan periode %s sebesar Rp%d belum dibayar.\n- %s",
				sub.Name, inv.Period, inv.Amount, cfg.CompanyName)
			if out := s.deps.Notifier.Send(ctx, sub.Phone, msg); !out.Success {
				s.log.Warn("isolation notice not delivered", logx.String("subscriber", sub.ID), logx.String("error", out.Error))
			}
		}
	}
	if res.Isolated == 0 && len(res.Errors) > 0 {
		return res, errors.Newf("isolation failed for %d subscribers", len(res.Errors))
	}
	return res, nil
}
