package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/ledger"
	"github.com/and161185/postwallet/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestPostgres connects to DATABASE_URI and skips when it is unset.
func newTestPostgres(t *testing.T) *PostgresStorage {
	t.Helper()

	uri := os.Getenv("DATABASE_URI")
	if uri == "" {
		t.Skip("DATABASE_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgreStorage(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func fundedCustomer(t *testing.T, l *ledger.Ledger, amount string) string {
	t.Helper()

	ctx := context.Background()
	customerID := "it_" + uuid.NewString()
	_, err := l.OpenWallet(ctx, customerID)
	require.NoError(t, err)
	_, err = l.Credit(ctx, customerID, model.Credit, decimal.RequireFromString(amount), "top-up", "")
	require.NoError(t, err)
	return customerID
}

func TestPostgresStorage_ConcurrentDebits(t *testing.T) {
	store := newTestPostgres(t)
	logger := zaptest.NewLogger(t).Sugar()

	// Two ledgers over one database behave like two processes: only the row
	// lock serializes them.
	first := ledger.New(store, ledger.DefaultConfig(), logger)
	second := ledger.New(store, ledger.DefaultConfig(), logger)
	customerID := fundedCustomer(t, first, "1000")

	var succeeded, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		l := first
		if i%2 == 1 {
			l = second
		}
		wg.Add(1)
		go func(l *ledger.Ledger) {
			defer wg.Done()
			_, err := l.Debit(context.Background(), customerID, decimal.NewFromInt(100), "order payment", "ord_"+uuid.NewString())
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, errs.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}(l)
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(10), insufficient.Load())

	balance, err := first.BalanceOf(context.Background(), customerID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "balance %s", balance)
	require.NoError(t, first.Verify(context.Background(), customerID))
}

func TestPostgresStorage_OneRefundPerOrder(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	l := ledger.New(store, ledger.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	customerID := fundedCustomer(t, l, "1000")
	orderID := "ord_" + uuid.NewString()

	_, err := l.Debit(ctx, customerID, decimal.NewFromInt(550), "order payment", orderID)
	require.NoError(t, err)

	var refunded, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Credit(ctx, customerID, model.Refund, decimal.NewFromInt(550), "order cancellation refund", orderID)
			switch {
			case err == nil:
				refunded.Add(1)
			case errors.Is(err, errs.ErrAlreadyRefunded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected refund error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refunded.Load())
	assert.Equal(t, int32(4), rejected.Load())

	// a pending refund counts as well
	_, err = l.RecordPending(ctx, customerID, model.Refund, decimal.NewFromInt(550), "order cancellation refund", orderID)
	require.ErrorIs(t, err, errs.ErrAlreadyRefunded)

	balance, err := l.BalanceOf(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1000)), "balance %s", balance)
	require.NoError(t, l.Verify(ctx, customerID))
}

func TestPostgresStorage_OrderLifecycle(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	l := ledger.New(store, ledger.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	customerID := fundedCustomer(t, l, "1000")

	orphanID := "ord_" + uuid.NewString()
	orphan, err := l.Debit(ctx, customerID, decimal.NewFromInt(100), "order payment", orphanID)
	require.NoError(t, err)

	paidID := "ord_" + uuid.NewString()
	paid, err := l.Debit(ctx, customerID, decimal.NewFromInt(250), "order payment", paidID)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := model.Order{
		ID:                    paidID,
		CustomerID:            customerID,
		TrackingNumber:        "PWIT" + uuid.NewString(),
		Status:                model.Confirmed,
		Cost:                  model.CostBreakdown{BasePrice: decimal.NewFromInt(250), Total: decimal.NewFromInt(250)},
		Package:               model.PackageDetails{WeightKg: decimal.NewFromInt(1), International: true},
		PaymentTransactionID:  paid.ID,
		CreatedAt:             now,
		UpdatedAt:             now,
		EstimatedDeliveryDate: time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.InsertOrder(ctx, order))
	require.ErrorIs(t, store.InsertOrder(ctx, model.Order{
		ID: "ord_" + uuid.NewString(), CustomerID: customerID, TrackingNumber: order.TrackingNumber,
		Status: model.Pending, CreatedAt: now, UpdatedAt: now, EstimatedDeliveryDate: now,
	}), errs.ErrDuplicateTrackingNumber)

	got, err := store.GetOrderByTrackingNumber(ctx, order.TrackingNumber)
	require.NoError(t, err)
	assert.Equal(t, paid.ID, got.PaymentTransactionID)
	assert.True(t, got.Cost.Total.Equal(decimal.NewFromInt(250)))

	require.NoError(t, store.UpdateOrderStatus(ctx, paidID, model.Confirmed, model.Cancelled, now.Add(time.Second)))
	require.ErrorIs(t, store.UpdateOrderStatus(ctx, paidID, model.Confirmed, model.Cancelled, now), errs.ErrConflict)
	require.ErrorIs(t, store.UpdateOrderStatus(ctx, "ord_"+uuid.NewString(), model.Confirmed, model.Cancelled, now), errs.ErrOrderNotFound)

	events, err := store.ListOrderEvents(ctx, paidID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.Cancelled, events[1].To)

	cutoff := time.Now().Add(time.Minute)

	orphans, err := store.OrphanedDebits(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.Contains(t, transactionIDs(orphans), orphan.ID)
	assert.NotContains(t, transactionIDs(orphans), paid.ID)

	cancelled, err := store.UnrefundedCancellations(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.Contains(t, orderIDs(cancelled), paidID)

	_, err = l.Credit(ctx, customerID, model.Refund, decimal.NewFromInt(250), "order cancellation refund", paidID)
	require.NoError(t, err)
	_, err = l.Credit(ctx, customerID, model.Refund, decimal.NewFromInt(100), "payment reversal", orphanID)
	require.NoError(t, err)

	orphans, err = store.OrphanedDebits(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.NotContains(t, transactionIDs(orphans), orphan.ID)

	cancelled, err = store.UnrefundedCancellations(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.NotContains(t, orderIDs(cancelled), paidID)
}

func transactionIDs(list []model.Transaction) []string {
	ids := make([]string, 0, len(list))
	for _, tr := range list {
		ids = append(ids, tr.ID)
	}
	return ids
}

func orderIDs(list []model.Order) []string {
	ids := make([]string, 0, len(list))
	for _, o := range list {
		ids = append(ids, o.ID)
	}
	return ids
}
