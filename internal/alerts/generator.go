// Package alerts derives operator notifications from billing state.
package alerts

import (
	"context"
	"fmt"
	"time"

	"billops/internal/storage"
	logx "billops/pkg/logx"
)

// Notification kinds.
const (
	KindInvoiceOverdue     = "invoice_overdue"
	KindInvoiceDueSoon     = "invoice_due_soon"
	KindSubscriberIsolated = "subscriber_isolated"
)

// Store is the slice of storage the generator needs.
type Store interface {
	ListInvoices(ctx context.Context, f storage.InvoiceFilter) ([]storage.Invoice, error)
	ListSubscribers(ctx context.Context, statuses ...storage.SubscriberStatus) ([]storage.Subscriber, error)
	CreateNotification(ctx context.Context, n storage.Notification) (bool, error)
}

type Summary struct {
	Created int
	Deduped int
}

// Generator scans for overdue invoices, invoices due soon and isolated
// subscribers. Each condition yields at most one notification per reference.
type Generator struct {
	Store Store
	Log   logx.Logger
	// DueSoon is how far ahead an unpaid invoice raises a due-soon alert.
	DueSoon time.Duration
	Now     func() time.Time
}

func (g *Generator) Run(ctx context.Context) (Summary, error) {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	dueSoon := g.DueSoon
	if dueSoon <= 0 {
		dueSoon = 72 * time.Hour
	}

	subs, err := g.Store.ListSubscribers(ctx)
	if err != nil {
		return Summary{}, err
	}
	names := make(map[string]string, len(subs))
	for _, s := range subs {
		names[s.ID] = s.Name
	}

	unpaid, err := g.Store.ListInvoices(ctx, storage.InvoiceFilter{Status: storage.InvoiceUnpaid})
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	emit := func(n storage.Notification) error {
		n.CreatedAt = now
		created, err := g.Store.CreateNotification(ctx, n)
		if err != nil {
			return err
		}
		if created {
			sum.Created++
			g.Log.Debug("notification created", logx.String("kind", n.Kind), logx.String("ref", n.RefID))
		} else {
			sum.Deduped++
		}
		return nil
	}

	for _, inv := range unpaid {
		name := names[inv.SubscriberID]
		switch {
		case now.After(inv.DueDate):
			err = emit(storage.Notification{
				Kind:  KindInvoiceOverdue,
				RefID: inv.ID,
				Title: "Invoice overdue",
				Body:  fmt.Sprintf("%s: invoice %s (Rp%d) was due %s", name, inv.Period, inv.Amount, inv.DueDate.Format("2006-01-02")),
			})
		case inv.DueDate.Sub(now) <= dueSoon:
			err = emit(storage.Notification{
				Kind:  KindInvoiceDueSoon,
				RefID: inv.ID,
				Title: "Invoice due soon",
				Body:  fmt.Sprintf("%s: invoice %s (Rp%d) is due %s", name, inv.Period, inv.Amount, inv.DueDate.Format("2006-01-02")),
			})
		default:
			continue
		}
		if err != nil {
			return sum, err
		}
	}

	for _, s := range subs {
		if s.Status != storage.SubscriberIsolated {
			continue
		}
		ref := s.ID
		if s.IsolatedAt != nil {
			// A later re-isolation is a new event.
			ref = s.ID + "@" + s.IsolatedAt.UTC().Format(time.RFC3339)
		}
		if err := emit(storage.Notification{
			Kind:  KindSubscriberIsolated,
			RefID: ref,
			Title: "Subscriber isolated",
			Body:  fmt.Sprintf("%s (%s) is isolated for non-payment", s.Name, s.Username),
		}); err != nil {
			return sum, err
		}
	}
	return sum, nil
}
