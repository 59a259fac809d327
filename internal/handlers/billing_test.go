package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/jobs"
	"billops/internal/storage"
)

func TestInvoiceGenerateIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock(time.Date(2024, 2, 25, 10, 0, 0, 0, time.UTC))

	st := storage.NewMemory()
	for _, s := range []storage.Subscriber{
		{ID: "s1", Name: "Ani", Status: storage.SubscriberActive, Price: 150000, BillingDay: 20},
		{ID: "s2", Name: "Budi", Status: storage.SubscriberIsolated, Price: 200000, BillingDay: 31},
		{ID: "s3", Name: "Cici", Status: storage.SubscriberInactive, Price: 100000, BillingDay: 1},
		{ID: "s4", Name: "Dodi", Status: storage.SubscriberActive, BillingDay: 1},
	} {
		require.NoError(t, st.PutSubscriber(ctx, s))
	}
	svc := newTestService(Config{InvoiceLeadDays: 3}, st, c, nil)

	res, err := svc.InvoiceGenerate(ctx)
	require.NoError(t, err)
	out := res.(jobs.InvoiceGenerateResult)
	assert.Equal(t, "2024-02", out.Period)
	assert.Equal(t, 1, out.Generated)
	assert.Equal(t, 1, out.Skipped)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "s4", out.Errors[0].Item)

	res, err = svc.InvoiceGenerate(ctx)
	require.NoError(t, err)
	out = res.(jobs.InvoiceGenerateResult)
	assert.Equal(t, 0, out.Generated)
	assert.Equal(t, 2, out.Skipped)

	// Billing day 31 clamps to the end of February.
	c.Set(time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC))
	res, err = svc.InvoiceGenerate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(jobs.InvoiceGenerateResult).Generated)

	inv, found, err := st.FindInvoice(ctx, "s2", "2024-02")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, inv.DueDate.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(200000), inv.Amount)
	assert.Equal(t, storage.InvoiceUnpaid, inv.Status)

	all, err := st.ListInvoices(ctx, storage.InvoiceFilter{Period: "2024-02"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInvoiceGeneratePeriodFollowsLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wib := time.FixedZone("WIB", 7*60*60)
	// 18:00 UTC on Jan 31 is already Feb 1 in WIB.
	c := newClock(time.Date(2024, 1, 31, 18, 0, 0, 0, time.UTC))

	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Status: storage.SubscriberActive, Price: 1, BillingDay: 1}))
	svc := newTestService(Config{Location: wib}, st, c, nil)

	res, err := svc.InvoiceGenerate(ctx)
	require.NoError(t, err)
	out := res.(jobs.InvoiceGenerateResult)
	assert.Equal(t, "2024-02", out.Period)
	assert.Equal(t, 1, out.Generated)
}

func TestInvoiceReminderThresholds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	c := newClock(due.AddDate(0, 0, -4))

	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Name: "Ani", Phone: "08123456789", Status: storage.SubscriberActive}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-03", Amount: 150000, DueDate: due}))
	notifier := &fakeNotifier{}
	svc := newTestService(Config{CompanyName: "NetKu"}, st, c, func(d *Deps) { d.Notifier = notifier })

	reminderCount := func() int {
		inv, _, err := st.FindInvoice(ctx, "s1", "2024-03")
		require.NoError(t, err)
		return inv.ReminderCount
	}

	res, err := svc.InvoiceReminder(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.InvoiceReminderResult{Skipped: 1}, res)
	assert.Empty(t, notifier.Sent())

	c.Set(due.AddDate(0, 0, -3).Add(9 * time.Hour))
	res, err = svc.InvoiceReminder(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.InvoiceReminderResult{Sent: 1}, res)
	assert.Equal(t, 1, reminderCount())

	res, err = svc.InvoiceReminder(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.InvoiceReminderResult{Skipped: 1}, res)

	// Several thresholds crossed at once produce a single reminder.
	c.Set(due.AddDate(0, 0, 4))
	res, err = svc.InvoiceReminder(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.InvoiceReminderResult{Sent: 1}, res)
	assert.Equal(t, 3, reminderCount())

	sent := notifier.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "08123456789", sent[0].phone)
	assert.Contains(t, sent[0].text, "Rp150000")
	assert.Contains(t, sent[1].text, "lewat jatuh tempo")
}

func TestInvoiceReminderFailureRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	c := newClock(due)

	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Phone: "08123456789", Status: storage.SubscriberActive}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-03", Amount: 1, DueDate: due}))
	notifier := &fakeNotifier{fail: true}
	svc := newTestService(Config{}, st, c, func(d *Deps) { d.Notifier = notifier })

	res, err := svc.InvoiceReminder(ctx)
	require.Error(t, err)
	out := res.(jobs.InvoiceReminderResult)
	assert.Equal(t, 1, out.Failed)
	inv, _, _ := st.FindInvoice(ctx, "s1", "2024-03")
	assert.Equal(t, 0, inv.ReminderCount)
	assert.Nil(t, inv.LastReminderAt)

	notifier.mu.Lock()
	notifier.fail = false
	notifier.mu.Unlock()
	res, err = svc.InvoiceReminder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(jobs.InvoiceReminderResult).Sent)
}

func TestAutoIsolirIsolatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := newClock(due.AddDate(0, 0, 3))

	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Name: "Ani", Phone: "08123456789", Username: "ani", Status: storage.SubscriberActive}))
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s2", Username: "budi", Status: storage.SubscriberActive}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-02", Amount: 1, DueDate: due.AddDate(0, -1, 0)}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i2", SubscriberID: "s1", Period: "2024-03", Amount: 1, DueDate: due}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i3", SubscriberID: "s2", Period: "2024-03", Amount: 1, DueDate: due.AddDate(0, 0, 2)}))

	isolator := &fakeIsolator{}
	notifier := &fakeNotifier{}
	svc := newTestService(Config{GraceDays: 2, NotifyOnIsolate: true}, st, c, func(d *Deps) {
		d.Isolator = isolator
		d.Notifier = notifier
	})

	res, err := svc.AutoIsolir(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.AutoIsolirResult{Isolated: 1}, res)

	res, err = svc.AutoIsolir(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.AutoIsolirResult{Skipped: 1}, res)

	assert.Equal(t, []string{"ani"}, isolator.Calls())
	sub, err := st.GetSubscriber(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriberIsolated, sub.Status)
	require.NotNil(t, sub.IsolatedAt)
	assert.True(t, sub.IsolatedAt.Equal(c.Now()))

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].text, "2024-02")
}

func TestAutoIsolirControllerFailureKeepsSubscriberActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := newClock(due.AddDate(0, 0, 1))

	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Username: "ani", Status: storage.SubscriberActive}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-03", Amount: 1, DueDate: due}))

	isolator := &fakeIsolator{err: errors.New("router unreachable")}
	svc := newTestService(Config{}, st, c, func(d *Deps) { d.Isolator = isolator })

	res, err := svc.AutoIsolir(ctx)
	require.Error(t, err)
	assert.Len(t, res.(jobs.AutoIsolirResult).Errors, 1)
	sub, _ := st.GetSubscriber(ctx, "s1")
	assert.Equal(t, storage.SubscriberActive, sub.Status)

	isolator.mu.Lock()
	isolator.err = nil
	isolator.mu.Unlock()
	res, err = svc.AutoIsolir(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(jobs.AutoIsolirResult).Isolated)
	assert.Len(t, isolator.Calls(), 2)
}

func TestAutoIsolirCanceledMidRunIsolatesOnce(t *testing.T) {
	t.Parallel()
	due := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := newClock(due.AddDate(0, 0, 1))

	st := openSQLite(t)
	bg := context.Background()
	require.NoError(t, st.PutSubscriber(bg, storage.Subscriber{ID: "s1", Username: "ani", Status: storage.SubscriberActive}))
	require.NoError(t, st.CreateInvoice(bg, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-03", Amount: 1, DueDate: due}))

	ctx, cancel := context.WithCancel(bg)
	isolator := &fakeIsolator{onCall: cancel}
	svc := newTestService(Config{}, st, c, func(d *Deps) { d.Isolator = isolator })

	// the caller goes away right after the controller accepted the suspend
	res, err := svc.AutoIsolir(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.AutoIsolirResult{Isolated: 1}, res)

	sub, err := st.GetSubscriber(bg, "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriberIsolated, sub.Status)

	res, err = svc.AutoIsolir(bg)
	require.NoError(t, err)
	assert.Equal(t, jobs.AutoIsolirResult{Skipped: 1}, res)
	assert.Equal(t, []string{"ani"}, isolator.Calls())
}

func TestInvoiceReminderCanceledMidRunRemindsOnce(t *testing.T) {
	t.Parallel()
	due := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	c := newClock(due)

	st := openSQLite(t)
	bg := context.Background()
	require.NoError(t, st.PutSubscriber(bg, storage.Subscriber{ID: "s1", Phone: "08123456789", Status: storage.SubscriberActive}))
	require.NoError(t, st.CreateInvoice(bg, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-03", Amount: 1, DueDate: due}))

	ctx, cancel := context.WithCancel(bg)
	notifier := &fakeNotifier{onSend: cancel}
	svc := newTestService(Config{}, st, c, func(d *Deps) { d.Notifier = notifier })

	res, err := svc.InvoiceReminder(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.InvoiceReminderResult{Sent: 1}, res)

	res, err = svc.InvoiceReminder(bg)
	require.NoError(t, err)
	assert.Equal(t, jobs.InvoiceReminderResult{Skipped: 1}, res)
	assert.Len(t, notifier.Sent(), 1)
}

func TestThresholdsCrossed(t *testing.T) {
	t.Parallel()
	due := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	offsets := []int{-3, 0, 3}
	assert.Equal(t, 0, thresholdsCrossed(due, offsets, due.AddDate(0, 0, -4)))
	assert.Equal(t, 1, thresholdsCrossed(due, offsets, due.AddDate(0, 0, -3)))
	assert.Equal(t, 2, thresholdsCrossed(due, offsets, due))
	assert.Equal(t, 3, thresholdsCrossed(due, offsets, due.AddDate(0, 0, 30)))
}
