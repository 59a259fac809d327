package jobs

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Handler performs one job's domain work. A returned error marks the run as
// failed; a partially successful handler returns its result with a nil error
// and lists item failures inside the result.
type Handler func(ctx context.Context) (Result, error)

// Handlers holds one handler per job type. Every field must be set.
type Handlers struct {
	VoucherSync       Handler
	AgentSales        Handler
	InvoiceGenerate   Handler
	InvoiceReminder   Handler
	AutoIsolir        Handler
	NotificationCheck Handler
	TelegramBackup    Handler
	TelegramHealth    Handler
}

func (h Handlers) table() [numTypes]Handler {
	return [numTypes]Handler{
		VoucherSync:       h.VoucherSync,
		AgentSales:        h.AgentSales,
		InvoiceGenerate:   h.InvoiceGenerate,
		InvoiceReminder:   h.InvoiceReminder,
		AutoIsolir:        h.AutoIsolir,
		NotificationCheck: h.NotificationCheck,
		TelegramBackup:    h.TelegramBackup,
		TelegramHealth:    h.TelegramHealth,
	}
}

// DefaultSchedules are the schedules used when config does not override them.
func DefaultSchedules() map[Type]Schedule {
	return map[Type]Schedule{
		VoucherSync:       Every(5),
		AgentSales:        Every(10),
		InvoiceGenerate:   Daily("00:05"),
		InvoiceReminder:   Daily("09:00"),
		AutoIsolir:        Daily("00:30"),
		NotificationCheck: Hourly(),
		TelegramBackup:    Daily("02:00"),
		TelegramHealth:    Every(15),
	}
}

// Definition is a registered job type.
type Definition struct {
	Type     Type
	Schedule Schedule
	Enabled  bool
	Handler  Handler
}

// Registry is the static catalog of job types. It is immutable after
// NewRegistry returns.
type Registry struct {
	defs [numTypes]Definition
}

// NewRegistry builds the catalog. schedules overrides DefaultSchedules per
// type; disabled lists types the scheduler must not fire (manual triggers
// still work).
func NewRegistry(h Handlers, schedules map[Type]Schedule, disabled map[Type]bool) (*Registry, error) {
	defaults := DefaultSchedules()
	handlers := h.table()
	r := &Registry{}
	for _, t := range AllTypes() {
		if handlers[t] == nil {
			return nil, errors.Newf("no handler registered for %s", t)
		}
		s, ok := schedules[t]
		if !ok {
			s = defaults[t]
		}
		if err := s.Validate(); err != nil {
			return nil, errors.Wrapf(err, "schedule for %s", t)
		}
		r.defs[t] = Definition{Type: t, Schedule: s, Enabled: !disabled[t], Handler: handlers[t]}
	}
	return r, nil
}

// Lookup returns the definition of t.
func (r *Registry) Lookup(t Type) (Definition, bool) {
	if r == nil || !t.Valid() {
		return Definition{}, false
	}
	return r.defs[t], true
}

// Definitions returns all definitions in job type order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, numTypes)
	for _, t := range AllTypes() {
		out = append(out, r.defs[t])
	}
	return out
}
