package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "memory": volatile, for tests and dry runs
//   - "file": memory driver persisted as a JSON snapshot at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type VoucherStatus string

const (
	VoucherWaiting VoucherStatus = "WAITING"
	VoucherActive  VoucherStatus = "ACTIVE"
	VoucherExpired VoucherStatus = "EXPIRED"
)

// Voucher is a prepaid access code.
type Voucher struct {
	Code          string        `json:"code"`
	BatchCode     string        `json:"batchCode"`
	Profile       string        `json:"profile"`
	Price         int64         `json:"price"`
	Status        VoucherStatus `json:"status"`
	ValidityHours int           `json:"validityHours"`
	FirstUsedAt   *time.Time    `json:"firstUsedAt,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Agent resells vouchers from batches whose code starts with BatchPrefix.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	BatchPrefix string `json:"batchPrefix"`
}

// AgentSale attributes one activated voucher to an agent. At most one sale
// exists per voucher code.
type AgentSale struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	VoucherCode string    `json:"voucherCode"`
	BatchCode   string    `json:"batchCode"`
	Price       int64     `json:"price"`
	CreatedAt   time.Time `json:"createdAt"`
}

type SubscriberStatus string

const (
	SubscriberActive   SubscriberStatus = "active"
	SubscriberIsolated SubscriberStatus = "isolated"
	SubscriberInactive SubscriberStatus = "inactive"
)

// Subscriber is a PPPoE customer billed monthly on BillingDay.
type Subscriber struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Phone      string           `json:"phone"`
	Username   string           `json:"username"`
	Status     SubscriberStatus `json:"status"`
	Price      int64            `json:"price"`
	BillingDay int              `json:"billingDay"`
	IsolatedAt *time.Time       `json:"isolatedAt,omitempty"`
}

type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "unpaid"
	InvoicePaid   InvoiceStatus = "paid"
)

// Invoice bills one subscriber for one period ("YYYY-MM"). At most one
// invoice exists per (SubscriberID, Period).
type Invoice struct {
	ID             string        `json:"id"`
	SubscriberID   string        `json:"subscriberId"`
	Period         string        `json:"period"`
	Amount         int64         `json:"amount"`
	DueDate        time.Time     `json:"dueDate"`
	Status         InvoiceStatus `json:"status"`
	ReminderCount  int           `json:"reminderCount"`
	LastReminderAt *time.Time    `json:"lastReminderAt,omitempty"`
	PaidAt         *time.Time    `json:"paidAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Notification is an operator alert, unique by (Kind, RefID).
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	RefID     string    `json:"refId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// InvoiceFilter scopes ListInvoices. Zero fields match everything.
type InvoiceFilter struct {
	Status       InvoiceStatus
	SubscriberID string
	Period       string
}
