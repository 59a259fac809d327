package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"billops/internal/dispatch"
	"billops/internal/errs"
	"billops/internal/jobs"
)

// Memory is a Store kept in process memory. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	runs          map[string]jobs.Run
	providers     map[string]dispatch.Provider
	vouchers      map[string]Voucher
	agents        map[string]Agent
	sales         map[string]AgentSale // by voucher code
	subscribers   map[string]Subscriber
	invoices      map[string]Invoice
	notifications map[string]Notification // by kind + "\x00" + ref

	// afterWrite runs after every successful mutation, outside the lock.
	afterWrite func()
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		runs:          map[string]jobs.Run{},
		providers:     map[string]dispatch.Provider{},
		vouchers:      map[string]Voucher{},
		agents:        map[string]Agent{},
		sales:         map[string]AgentSale{},
		subscribers:   map[string]Subscriber{},
		invoices:      map[string]Invoice{},
		notifications: map[string]Notification{},
	}
}

func (m *Memory) wrote() {
	if m.afterWrite != nil {
		m.afterWrite()
	}
}

func (m *Memory) Close() error { return nil }

// ---- runs ----

func (m *Memory) AppendRun(_ context.Context, r jobs.Run) error {
	if r.ID == "" {
		return errs.Validation("run id is required")
	}
	m.mu.Lock()
	if _, ok := m.runs[r.ID]; ok {
		m.mu.Unlock()
		return errs.Conflict("run %s already exists", r.ID)
	}
	m.runs[r.ID] = r
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, r jobs.Run) error {
	m.mu.Lock()
	cur, ok := m.runs[r.ID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("run %s not found", r.ID)
	}
	if cur.Status.Terminal() {
		m.mu.Unlock()
		return errs.Conflict("run %s is already %s", r.ID, cur.Status)
	}
	m.runs[r.ID] = r
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) ListRuns(_ context.Context, f jobs.Filter) ([]jobs.Run, error) {
	m.mu.RLock()
	out := make([]jobs.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if f.Type != nil && r.Type != *f.Type {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()
	sortRunsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) LastSuccess(ctx context.Context, t jobs.Type) (*jobs.Run, error) {
	runs, err := m.ListRuns(ctx, jobs.Filter{Type: &t})
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Status == jobs.StatusSuccess {
			r := runs[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) PruneRuns(_ context.Context, t jobs.Type, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	typed := make([]jobs.Run, 0)
	for _, r := range m.runs {
		if r.Type == t {
			typed = append(typed, r)
		}
	}
	sortRunsNewestFirst(typed)
	removed := 0
	if len(typed) > keep {
		for _, r := range typed[keep:] {
			delete(m.runs, r.ID)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.wrote()
	}
	return removed, nil
}

func sortRunsNewestFirst(runs []jobs.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}

// ---- providers ----

func (m *Memory) ListProviders(context.Context) ([]dispatch.Provider, error) {
	m.mu.RLock()
	out := make([]dispatch.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertProvider(_ context.Context, p dispatch.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.providers[p.ID] = p
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.providers[id]; !ok {
		m.mu.Unlock()
		return errs.NotFound("provider %s not found", id)
	}
	delete(m.providers, id)
	m.mu.Unlock()
	m.wrote()
	return nil
}

// ---- vouchers, agents, sales ----

func (m *Memory) PutVoucher(_ context.Context, v Voucher) error {
	if v.Code == "" {
		return errs.Validation("voucher code is required")
	}
	m.mu.Lock()
	m.vouchers[v.Code] = v
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) ListVouchers(_ context.Context, statuses ...VoucherStatus) ([]Voucher, error) {
	m.mu.RLock()
	out := make([]Voucher, 0, len(m.vouchers))
	for _, v := range m.vouchers {
		if len(statuses) > 0 && !contains(statuses, v.Status) {
			continue
		}
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) PutAgent(_ context.Context, a Agent) error {
	if a.ID == "" {
		return errs.Validation("agent id is required")
	}
	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) ListAgents(context.Context) ([]Agent, error) {
	m.mu.RLock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) HasSale(_ context.Context, voucherCode string) (bool, error) {
	m.mu.RLock()
	_, ok := m.sales[voucherCode]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) CreateSale(_ context.Context, s AgentSale) error {
	if s.VoucherCode == "" {
		return errs.Validation("sale voucher code is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.mu.Lock()
	if _, ok := m.sales[s.VoucherCode]; ok {
		m.mu.Unlock()
		return errs.Conflict("sale for voucher %s already exists", s.VoucherCode)
	}
	m.sales[s.VoucherCode] = s
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) ListSales(context.Context) ([]AgentSale, error) {
	m.mu.RLock()
	out := make([]AgentSale, 0, len(m.sales))
	for _, s := range m.sales {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VoucherCode < out[j].VoucherCode })
	return out, nil
}

// ---- subscribers, invoices ----

func (m *Memory) PutSubscriber(_ context.Context, s Subscriber) error {
	if s.ID == "" {
		return errs.Validation("subscriber id is required")
	}
	m.mu.Lock()
	m.subscribers[s.ID] = s
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) GetSubscriber(_ context.Context, id string) (Subscriber, error) {
	m.mu.RLock()
	s, ok := m.subscribers[id]
	m.mu.RUnlock()
	if !ok {
		return Subscriber{}, errs.NotFound("subscriber %s not found", id)
	}
	return s, nil
}

func (m *Memory) ListSubscribers(_ context.Context, statuses ...SubscriberStatus) ([]Subscriber, error) {
	m.mu.RLock()
	out := make([]Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		if len(statuses) > 0 && !contains(statuses, s.Status) {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindInvoice(_ context.Context, subscriberID, period string) (Invoice, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invoices {
		if inv.SubscriberID == subscriberID && inv.Period == period {
			return inv, true, nil
		}
	}
	return Invoice{}, false, nil
}

func (m *Memory) CreateInvoice(_ context.Context, inv Invoice) error {
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
	m.mu.Lock()
	for _, cur := range m.invoices {
		if cur.SubscriberID == inv.SubscriberID && cur.Period == inv.Period {
			m.mu.Unlock()
			return errs.Conflict("invoice for %s period %s already exists", inv.SubscriberID, inv.Period)
		}
	}
	m.invoices[inv.ID] = inv
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) UpdateInvoice(_ context.Context, inv Invoice) error {
	m.mu.Lock()
	if _, ok := m.invoices[inv.ID]; !ok {
		m.mu.Unlock()
		return errs.NotFound("invoice %s not found", inv.ID)
	}
	m.invoices[inv.ID] = inv
	m.mu.Unlock()
	m.wrote()
	return nil
}

func (m *Memory) ListInvoices(_ context.Context, f InvoiceFilter) ([]Invoice, error) {
	m.mu.RLock()
	out := make([]Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.SubscriberID != "" && inv.SubscriberID != f.SubscriberID {
			continue
		}
		if f.Period != "" && inv.Period != f.Period {
			continue
		}
		out = append(out, inv)
	}
	m.mu.RUnlock()
	sortInvoices(out)
	return out, nil
}

func sortInvoices(out []Invoice) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
}

// ---- notifications ----

func notificationKey(kind, ref string) string { return kind + "\x00" + ref }

func (m *Memory) CreateNotification(_ context.Context, n Notification) (bool, error) {
	if n.Kind == "" {
		return false, errs.Validation("notification kind is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	key := notificationKey(n.Kind, n.RefID)
	m.mu.Lock()
	if _, ok := m.notifications[key]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.notifications[key] = n
	m.mu.Unlock()
	m.wrote()
	return true, nil
}

func (m *Memory) ListNotifications(_ context.Context, limit int) ([]Notification, error) {
	m.mu.RLock()
	out := make([]Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- snapshot ----

// memoryState is the serialized form used by snapshots and the file driver.
type memoryState struct {
	Runs          []jobs.Run          `json:"runs"`
	Providers     []dispatch.Provider `json:"providers"`
	Vouchers      []Voucher           `json:"vouchers"`
	Agents        []Agent             `json:"agents"`
	Sales         []AgentSale         `json:"sales"`
	Subscribers   []Subscriber        `json:"subscribers"`
	Invoices      []Invoice           `json:"invoices"`
	Notifications []Notification      `json:"notifications"`
}

func (m *Memory) state() memoryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := memoryState{}
	for _, r := range m.runs {
		st.Runs = append(st.Runs, r)
	}
	sortRunsNewestFirst(st.Runs)
	for _, p := range m.providers {
		st.Providers = append(st.Providers, p)
	}
	for _, v := range m.vouchers {
		st.Vouchers = append(st.Vouchers, v)
	}
	for _, a := range m.agents {
		st.Agents = append(st.Agents, a)
	}
	for _, s := range m.sales {
		st.Sales = append(st.Sales, s)
	}
	for _, s := range m.subscribers {
		st.Subscribers = append(st.Subscribers, s)
	}
	for _, inv := range m.invoices {
		st.Invoices = append(st.Invoices, inv)
	}
	sortInvoices(st.Invoices)
	for _, n := range m.notifications {
		st.Notifications = append(st.Notifications, n)
	}
	return st
}

func (m *Memory) load(st memoryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range st.Runs {
		m.runs[r.ID] = r
	}
	for _, p := range st.Providers {
		m.providers[p.ID] = p
	}
	for _, v := range st.Vouchers {
		m.vouchers[v.Code] = v
	}
	for _, a := range st.Agents {
		m.agents[a.ID] = a
	}
	for _, s := range st.Sales {
		m.sales[s.VoucherCode] = s
	}
	for _, s := range st.Subscribers {
		m.subscribers[s.ID] = s
	}
	for _, inv := range st.Invoices {
		m.invoices[inv.ID] = inv
	}
	for _, n := range st.Notifications {
		m.notifications[notificationKey(n.Kind, n.RefID)] = n
	}
}

func (m *Memory) Snapshot(_ context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, snapshotName("json"))
	if err := writeJSONAtomic(path, m.state()); err != nil {
		return "", err
	}
	return path, nil
}

func snapshotName(ext string) string {
	return "billops-" + time.Now().UTC().Format("20060102-150405") + "." + ext
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
