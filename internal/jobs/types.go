package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"billops/internal/errs"
)

// Type identifies a registered maintenance job. The set is closed: adding a
// job means adding a constant here, a Handlers field and a result type.
type Type uint8

const (
	VoucherSync Type = iota
	AgentSales
	InvoiceGenerate
	InvoiceReminder
	AutoIsolir
	NotificationCheck
	TelegramBackup
	TelegramHealth

	numTypes
)

var typeNames = [numTypes]string{
	VoucherSync:       "voucher_sync",
	AgentSales:        "agent_sales",
	InvoiceGenerate:   "invoice_generate",
	InvoiceReminder:   "invoice_reminder",
	AutoIsolir:        "auto_isolir",
	NotificationCheck: "notification_check",
	TelegramBackup:    "telegram_backup",
	TelegramHealth:    "telegram_health",
}

// AllTypes returns every job type in declaration order.
func AllTypes() []Type {
	out := make([]Type, 0, numTypes)
	for t := Type(0); t < numTypes; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) Valid() bool { return t < numTypes }

func (t Type) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return typeNames[t]
}

// ParseType resolves a wire name. Unknown names are validation errors.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t := Type(0); t < numTypes; t++ {
		if typeNames[t] == s {
			return t, nil
		}
	}
	return 0, errs.Validation("invalid job type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errs.Validation("invalid job type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusError }

// Trigger records which path invoked a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Run is one execution of a job. It is created as running and updated exactly
// once to a terminal status.
type Run struct {
	ID          string     `json:"id"`
	Type        Type       `json:"jobType"`
	Status      Status     `json:"status"`
	Trigger     Trigger    `json:"trigger,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	Result      Result     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// complete moves the run to its terminal status.
func (r *Run) complete(at time.Time, res Result, err error) {
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	done := at
	dur := done.Sub(r.StartedAt).Milliseconds()
	r.CompletedAt = &done
	r.DurationMs = &dur
	r.Result = res
	if err != nil {
		r.Status = StatusError
		r.Error = err.Error()
		return
	}
	r.Status = StatusSuccess
}

// UnmarshalJSON decodes the result payload according to the job type.
func (r *Run) UnmarshalJSON(b []byte) error {
	type plain Run
	var aux struct {
		plain
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Run(aux.plain)
	res, err := DecodeResult(r.Type, aux.Result)
	if err != nil {
		return err
	}
	r.Result = res
	return nil
}

// ItemError is one failed item of a collection-processing handler.
type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// Result is the structured payload of a successful (or partially successful)
// run. Each job type has exactly one result type.
type Result interface {
	JobType() Type
}

type VoucherSyncResult struct {
	Synced    int         `json:"synced"`
	Activated int         `json:"activated"`
	Expired   int         `json:"expired"`
	Errors    []ItemError `json:"errors,omitempty"`
}

type AgentSalesResult struct {
	Recorded int         `json:"recorded"`
	Skipped  int         `json:"skipped"`
	Errors   []ItemError `json:"errors,omitempty"`
}

type InvoiceGenerateResult struct {
	Period    string      `json:"period"`
	Generated int         `json:"generated"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors,omitempty"`
}

type InvoiceReminderResult struct {
	Sent    int         `json:"sent"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors,omitempty"`
}

type AutoIsolirResult struct {
	Isolated int         `json:"isolated"`
	Skipped  int         `json:"skipped"`
	Errors   []ItemError `json:"errors,omitempty"`
}

type NotificationCheckResult struct {
	Created int `json:"created"`
	Deduped int `json:"deduped"`
}

type BackupResult struct {
	File  string `json:"file"`
	Bytes int64  `json:"bytes"`
}

type TelegramHealthResult struct {
	Healthy   bool   `json:"healthy"`
	Restarted bool   `json:"restarted"`
	Reported  bool   `json:"reported"`
	Summary   string `json:"summary,omitempty"`
}

func (VoucherSyncResult) JobType() Type       { return VoucherSync }
func (AgentSalesResult) JobType() Type        { return AgentSales }
func (InvoiceGenerateResult) JobType() Type   { return InvoiceGenerate }
func (InvoiceReminderResult) JobType() Type   { return InvoiceReminder }
func (AutoIsolirResult) JobType() Type        { return AutoIsolir }
func (NotificationCheckResult) JobType() Type { return NotificationCheck }
func (BackupResult) JobType() Type            { return TelegramBackup }
func (TelegramHealthResult) JobType() Type    { return TelegramHealth }

// DecodeResult decodes a stored payload into the result type of t.
// Empty payloads decode to nil.
func DecodeResult(t Type, raw []byte) (Result, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		res Result
		err error
	)
	switch t {
	case VoucherSync:
		res, err = decodeAs[VoucherSyncResult](raw)
	case AgentSales:
		res, err = decodeAs[AgentSalesResult](raw)
	case InvoiceGenerate:
		res, err = decodeAs[InvoiceGenerateResult](raw)
	case InvoiceReminder:
		res, err = decodeAs[InvoiceReminderResult](raw)
	case AutoIsolir:
		res, err = decodeAs[AutoIsolirResult](raw)
	case NotificationCheck:
		res, err = decodeAs[NotificationCheckResult](raw)
	case TelegramBackup:
		res, err = decodeAs[BackupResult](raw)
	case TelegramHealth:
		res, err = decodeAs[TelegramHealthResult](raw)
	default:
		return nil, errs.Validation("invalid job type %d", uint8(t))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s result", t)
	}
	return res, nil
}

func decodeAs[T Result](raw []byte) (Result, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
