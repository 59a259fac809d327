package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"billops/internal/dispatch"
	"billops/internal/errs"
	"billops/internal/jobs"
	logx "billops/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db   *sql.DB
	path string
	log  logx.Logger
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, path: path, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Times are stored as UTC unix nanoseconds.
func toNS(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func toNullNS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNS(*t), Valid: true}
}

func fromNullNS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNS(v.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- runs ----

const runColumns = `id, job_type, status, run_trigger, started_at, completed_at, duration_ms, result, error`

func (s *sqliteStore) AppendRun(ctx context.Context, r jobs.Run) error {
	if r.ID == "" {
		return errs.Validation("run id is required")
	}
	res, err := encodeResult(r.Result)
	if err != nil {
		return err
	}
	var dur sql.NullInt64
	if r.DurationMs != nil {
		dur = sql.NullInt64{Int64: *r.DurationMs, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_runs(`+runColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Type.String(), string(r.Status), string(r.Trigger), toNS(r.StartedAt),
		toNullNS(r.CompletedAt), dur, res, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r jobs.Run) error {
	res, err := encodeResult(r.Result)
	if err != nil {
		return err
	}
	var dur sql.NullInt64
	if r.DurationMs != nil {
		dur = sql.NullInt64{Int64: *r.DurationMs, Valid: true}
	}
	out, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status=?, completed_at=?, duration_ms=?, result=?, error=?
		 WHERE id=? AND status=?`,
		string(r.Status), toNullNS(r.CompletedAt), dur, res, nullStr(r.Error),
		r.ID, string(jobs.StatusRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 1 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM job_runs WHERE id = ?`, r.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("run %s not found", r.ID)
	}
	if err != nil {
		return err
	}
	return errs.Conflict("run %s is already %s", r.ID, status)
}

func (s *sqliteStore) ListRuns(ctx context.Context, f jobs.Filter) ([]jobs.Run, error) {
	q := `SELECT ` + runColumns + ` FROM job_runs`
	args := []any{}
	if f.Type != nil {
		q += ` WHERE job_type = ?`
		args = append(args, f.Type.String())
	}
	q += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []jobs.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastSuccess(ctx context.Context, t jobs.Type) (*jobs.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE job_type = ? AND status = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		t.String(), string(jobs.StatusSuccess))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqliteStore) PruneRuns(ctx context.Context, t jobs.Type, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	out, err := s.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE job_type = ? AND id NOT IN (
			SELECT id FROM job_runs WHERE job_type = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)`, t.String(), t.String(), keep)
	if err != nil {
		return 0, err
	}
	n, _ := out.RowsAffected()
	return int(n), nil
}

func scanRun(sc rowScanner) (jobs.Run, error) {
	var (
		r         jobs.Run
		typ       string
		status    string
		trigger   string
		started   int64
		completed sql.NullInt64
		dur       sql.NullInt64
		result    sql.NullString
		errText   sql.NullString
	)
	if err := sc.Scan(&r.ID, &typ, &status, &trigger, &started, &completed, &dur, &result, &errText); err != nil {
		return jobs.Run{}, err
	}
	t, err := jobs.ParseType(typ)
	if err != nil {
		return jobs.Run{}, err
	}
	r.Type = t
	r.Status = jobs.Status(status)
	r.Trigger = jobs.Trigger(trigger)
	r.StartedAt = fromNS(started)
	r.CompletedAt = fromNullNS(completed)
	if dur.Valid {
		d := dur.Int64
		r.DurationMs = &d
	}
	r.Error = errText.String
	if result.Valid {
		res, err := jobs.DecodeResult(t, []byte(result.String))
		if err != nil {
			return jobs.Run{}, err
		}
		r.Result = res
	}
	return r, nil
}

func encodeResult(res jobs.Result) (sql.NullString, error) {
	if res == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// ---- providers ----

func (s *sqliteStore) ListProviders(ctx context.Context) ([]dispatch.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, api_url, token, sender, priority, is_active, timeout_ms, rate_per_sec, success_expr
		 FROM providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dispatch.Provider{}
	for rows.Next() {
		var (
			p         dispatch.Provider
			typ       string
			active    int
			timeoutMS int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &typ, &p.APIURL, &p.Credentials.Token, &p.Credentials.Sender,
			&p.Priority, &active, &timeoutMS, &p.RatePerSec, &p.SuccessExpr); err != nil {
			return nil, err
		}
		p.Type = dispatch.ProviderType(typ)
		p.IsActive = active != 0
		p.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertProvider(ctx context.Context, p dispatch.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers(id, name, type, api_url, token, sender, priority, is_active, timeout_ms, rate_per_sec, success_expr)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, type=excluded.type, api_url=excluded.api_url, token=excluded.token,
			sender=excluded.sender, priority=excluded.priority, is_active=excluded.is_active,
			timeout_ms=excluded.timeout_ms, rate_per_sec=excluded.rate_per_sec, success_expr=excluded.success_expr`,
		p.ID, p.Name, string(p.Type), p.APIURL, p.Credentials.Token, p.Credentials.Sender,
		p.Priority, boolInt(p.IsActive), p.Timeout.Milliseconds(), p.RatePerSec, p.SuccessExpr,
	)
	return err
}

func (s *sqliteStore) DeleteProvider(ctx context.Context, id string) error {
	out, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return errs.NotFound("provider %s not found", id)
	}
	return nil
}

// ---- vouchers, agents, sales ----

func (s *sqliteStore) PutVoucher(ctx context.Context, v Voucher) error {
	if v.Code == "" {
		return errs.Validation("voucher code is required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vouchers(code, batch_code, profile, price, status, validity_hours, first_used_at, expires_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(code) DO UPDATE SET
			batch_code=excluded.batch_code, profile=excluded.profile, price=excluded.price,
			status=excluded.status, validity_hours=excluded.validity_hours,
			first_used_at=excluded.first_used_at, expires_at=excluded.expires_at`,
		v.Code, v.BatchCode, v.Profile, v.Price, string(v.Status), v.ValidityHours,
		toNullNS(v.FirstUsedAt), toNullNS(v.ExpiresAt), toNS(v.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListVouchers(ctx context.Context, statuses ...VoucherStatus) ([]Voucher, error) {
	q := `SELECT code, batch_code, profile, price, status, validity_hours, first_used_at, expires_at, created_at FROM vouchers`
	where, args := inClause("status", statuses)
	rows, err := s.db.QueryContext(ctx, q+where+` ORDER BY code`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Voucher{}
	for rows.Next() {
		var (
			v          Voucher
			status     string
			first, exp sql.NullInt64
			created    int64
		)
		if err := rows.Scan(&v.Code, &v.BatchCode, &v.Profile, &v.Price, &status, &v.ValidityHours, &first, &exp, &created); err != nil {
			return nil, err
		}
		v.Status = VoucherStatus(status)
		v.FirstUsedAt = fromNullNS(first)
		v.ExpiresAt = fromNullNS(exp)
		v.CreatedAt = fromNS(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAgent(ctx context.Context, a Agent) error {
	if a.ID == "" {
		return errs.Validation("agent id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(id, name, phone, batch_prefix) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, batch_prefix=excluded.batch_prefix`,
		a.ID, a.Name, a.Phone, a.BatchPrefix)
	return err
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, phone, batch_prefix FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Agent{}
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &a.BatchPrefix); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasSale(ctx context.Context, voucherCode string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_sales WHERE voucher_code = ?`, voucherCode).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) CreateSale(ctx context.Context, sale AgentSale) error {
	if sale.VoucherCode == "" {
		return errs.Validation("sale voucher code is required")
	}
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now()
	}
	out, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sales(id, agent_id, voucher_code, batch_code, price, created_at)
		 VALUES(?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		sale.ID, sale.AgentID, sale.VoucherCode, sale.BatchCode, sale.Price, toNS(sale.CreatedAt))
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return errs.Conflict("sale for voucher %s already exists", sale.VoucherCode)
	}
	return nil
}

func (s *sqliteStore) ListSales(ctx context.Context) ([]AgentSale, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, voucher_code, batch_code, price, created_at FROM agent_sales ORDER BY voucher_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []AgentSale{}
	for rows.Next() {
		var (
			sale    AgentSale
			created int64
		)
		if err := rows.Scan(&sale.ID, &sale.AgentID, &sale.VoucherCode, &sale.BatchCode, &sale.Price, &created); err != nil {
			return nil, err
		}
		sale.CreatedAt = fromNS(created)
		out = append(out, sale)
	}
	return out, rows.Err()
}

// ---- subscribers ----

const subscriberColumns = `id, name, phone, username, status, price, billing_day, isolated_at`

func (s *sqliteStore) PutSubscriber(ctx context.Context, sub Subscriber) error {
	if sub.ID == "" {
		return errs.Validation("subscriber id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(`+subscriberColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, phone=excluded.phone, username=excluded.username, status=excluded.status,
			price=excluded.price, billing_day=excluded.billing_day, isolated_at=excluded.isolated_at`,
		sub.ID, sub.Name, sub.Phone, sub.Username, string(sub.Status), sub.Price, sub.BillingDay, toNullNS(sub.IsolatedAt))
	return err
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id string) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, errs.NotFound("subscriber %s not found", id)
	}
	return sub, err
}

func (s *sqliteStore) ListSubscribers(ctx context.Context, statuses ...SubscriberStatus) ([]Subscriber, error) {
	where, args := inClause("status", statuses)
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscriber(sc rowScanner) (Subscriber, error) {
	var (
		sub      Subscriber
		status   string
		isolated sql.NullInt64
	)
	if err := sc.Scan(&sub.ID, &sub.Name, &sub.Phone, &sub.Username, &status, &sub.Price, &sub.BillingDay, &isolated); err != nil {
		return Subscriber{}, err
	}
	sub.Status = SubscriberStatus(status)
	sub.IsolatedAt = fromNullNS(isolated)
	return sub, nil
}

// ---- invoices ----

const invoiceColumns = `id, subscriber_id, period, amount, due_date, status, reminder_count, last_reminder_at, paid_at, created_at`

func (s *sqliteStore) FindInvoice(ctx context.Context, subscriberID, period string) (Invoice, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE subscriber_id = ? AND period = ?`, subscriberID, period)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, false, nil
	}
	if err != nil {
		return Invoice{}, false, err
	}
	return inv, true, nil
}

func (s *sqliteStore) CreateInvoice(ctx context.Context, inv Invoice) error {
	if inv.SubscriberID == "" || inv.Period == "" {
		return errs.Validation("invoice needs subscriber and period")
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	if inv.Status == "" {
		inv.Status = InvoiceUnpaid
	}
	out, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices(`+invoiceColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		inv.ID, inv.SubscriberID, inv.Period, inv.Amount, toNS(inv.DueDate), string(inv.Status),
		inv.ReminderCount, toNullNS(inv.LastReminderAt), toNullNS(inv.PaidAt), toNS(inv.CreatedAt))
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return errs.Conflict("invoice for %s period %s already exists", inv.SubscriberID, inv.Period)
	}
	return nil
}

func (s *sqliteStore) UpdateInvoice(ctx context.Context, inv Invoice) error {
	out, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET amount=?, due_date=?, status=?, reminder_count=?, last_reminder_at=?, paid_at=?
		 WHERE id = ?`,
		inv.Amount, toNS(inv.DueDate), string(inv.Status), inv.ReminderCount,
		toNullNS(inv.LastReminderAt), toNullNS(inv.PaidAt), inv.ID)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return errs.NotFound("invoice %s not found", inv.ID)
	}
	return nil
}

func (s *sqliteStore) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	conds := []string{}
	args := []any{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.SubscriberID != "" {
		conds = append(conds, "subscriber_id = ?")
		args = append(args, f.SubscriberID)
	}
	if f.Period != "" {
		conds = append(conds, "period = ?")
		args = append(args, f.Period)
	}
	q := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY due_date, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(sc rowScanner) (Invoice, error) {
	var (
		inv          Invoice
		due, created int64
		status       string
		lastRem      sql.NullInt64
		paid         sql.NullInt64
	)
	if err := sc.Scan(&inv.ID, &inv.SubscriberID, &inv.Period, &inv.Amount, &due, &status,
		&inv.ReminderCount, &lastRem, &paid, &created); err != nil {
		return Invoice{}, err
	}
	inv.DueDate = fromNS(due)
	inv.Status = InvoiceStatus(status)
	inv.LastReminderAt = fromNullNS(lastRem)
	inv.PaidAt = fromNullNS(paid)
	inv.CreatedAt = fromNS(created)
	return inv, nil
}

// ---- notifications ----

func (s *sqliteStore) CreateNotification(ctx context.Context, n Notification) (bool, error) {
	if n.Kind == "" {
		return false, errs.Validation("notification kind is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	out, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, kind, ref_id, title, body, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kind, ref_id) DO NOTHING`,
		n.ID, n.Kind, n.RefID, n.Title, n.Body, toNS(n.CreatedAt))
	if err != nil {
		return false, err
	}
	affected, _ := out.RowsAffected()
	return affected == 1, nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, limit int) ([]Notification, error) {
	q := `SELECT id, kind, ref_id, title, body, created_at FROM notifications ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		var (
			n       Notification
			created int64
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.RefID, &n.Title, &n.Body, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = fromNS(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---- snapshot ----

// Snapshot writes a consistent copy with VACUUM INTO.
func (s *sqliteStore) Snapshot(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, snapshotName("db"))
	_ = os.Remove(path)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", errors.Wrap(err, "vacuum into")
	}
	return path, nil
}

func inClause[T ~string](col string, vals []T) (string, []any) {
	if len(vals) == 0 {
		return "", nil
	}
	marks := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		marks[i] = "?"
		args[i] = string(v)
	}
	return " WHERE " + col + " IN (" + strings.Join(marks, ",") + ")", args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
