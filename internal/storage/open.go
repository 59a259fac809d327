package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"billops/internal/dispatch"
	"billops/internal/jobs"
	logx "billops/pkg/logx"
)

// Store is the persistence API used by the orchestrator, the dispatcher and
// the job handlers.
//
// Lookups of a single missing record return an error marked errs.ErrNotFound.
// Creating a record that violates a uniqueness rule returns an error marked
// errs.ErrConflict.
type Store interface {
	jobs.History

	ListProviders(ctx context.Context) ([]dispatch.Provider, error)
	UpsertProvider(ctx context.Context, p dispatch.Provider) error
	DeleteProvider(ctx context.Context, id string) error

	PutVoucher(ctx context.Context, v Voucher) error
	ListVouchers(ctx context.Context, statuses ...VoucherStatus) ([]Voucher, error)

	PutAgent(ctx context.Context, a Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)
	HasSale(ctx context.Context, voucherCode string) (bool, error)
	CreateSale(ctx context.Context, s AgentSale) error
	ListSales(ctx context.Context) ([]AgentSale, error)

	PutSubscriber(ctx context.Context, s Subscriber) error
	GetSubscriber(ctx context.Context, id string) (Subscriber, error)
	ListSubscribers(ctx context.Context, statuses ...SubscriberStatus) ([]Subscriber, error)

	FindInvoice(ctx context.Context, subscriberID, period string) (Invoice, bool, error)
	CreateInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)

	// CreateNotification stores n unless one with the same Kind and RefID
	// exists. It reports whether a new record was written.
	CreateNotification(ctx context.Context, n Notification) (bool, error)
	ListNotifications(ctx context.Context, limit int) ([]Notification, error)

	// Snapshot writes a consistent copy of the store into dir and returns the
	// file path.
	Snapshot(ctx context.Context, dir string) (string, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
