package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billops/internal/storage"
)

func TestGeneratorDedupsAcrossRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	isolated := now.Add(-time.Hour)

	st := storage.NewMemory()
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s1", Name: "Ani", Status: storage.SubscriberActive}))
	require.NoError(t, st.PutSubscriber(ctx, storage.Subscriber{ID: "s2", Name: "Budi", Status: storage.SubscriberIsolated, IsolatedAt: &isolated}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i1", SubscriberID: "s1", Period: "2024-03", Amount: 100000, DueDate: now.AddDate(0, 0, -2)}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i2", SubscriberID: "s2", Period: "2024-03", Amount: 100000, DueDate: now.AddDate(0, 0, 1)}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i3", SubscriberID: "s1", Period: "2024-04", Amount: 100000, DueDate: now.AddDate(0, 1, 0)}))
	require.NoError(t, st.CreateInvoice(ctx, storage.Invoice{ID: "i4", SubscriberID: "s2", Period: "2024-02", Amount: 100000, DueDate: now.AddDate(0, -1, 0), Status: storage.InvoicePaid}))

	g := &Generator{Store: st, Now: func() time.Time { return now }}
	sum, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 3, Deduped: 0}, sum)

	sum, err = g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 0, Deduped: 3}, sum)

	list, err := st.ListNotifications(ctx, 0)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, n := range list {
		kinds[n.Kind]++
	}
	assert.Equal(t, map[string]int{KindInvoiceOverdue: 1, KindInvoiceDueSoon: 1, KindSubscriberIsolated: 1}, kinds)
}
