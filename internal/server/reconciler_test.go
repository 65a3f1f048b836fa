package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/postwallet/internal/config"
	"github.com/and161185/postwallet/internal/deps"
	"github.com/and161185/postwallet/internal/ledger"
	"github.com/and161185/postwallet/internal/mocks"
	"github.com/and161185/postwallet/internal/model"
	"github.com/and161185/postwallet/internal/payment"
	"github.com/and161185/postwallet/internal/storage"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReconciliationControl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.Default()
	cfg.Reconciler.Interval = 10 * time.Millisecond

	store := storage.NewMemoryStorage()
	l := ledger.New(store, cfg.Ledger, logger)
	_, err := l.OpenWallet(ctx, "c1")
	require.NoError(t, err)

	pending, err := l.RecordPending(ctx, "c1", model.Refund, d("550"), "order refund", "ord_1")
	require.NoError(t, err)
	assert.False(t, pending.BalanceAfter.Valid)

	srv := NewServer(l, nil, nil, payment.NewRecovery(store, l, logger), cfg, &deps.Deps{Logger: logger})

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ReconciliationControl(ctx)
	}()

	require.Eventually(t, func() bool {
		balance, err := l.BalanceOf(ctx, "c1")
		return err == nil && balance.Equal(d("550"))
	}, 2*time.Second, 10*time.Millisecond)

	settled, err := l.PendingTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, settled)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}

	require.NoError(t, l.Verify(context.Background(), "c1"))
}

func TestSettlePending_ReleasesFailedRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	wallet := mocks.NewMockWallet(ctrl)

	srv := NewServer(wallet, nil, nil, nil, config.Default(), &deps.Deps{Logger: zaptest.NewLogger(t).Sugar()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wallet.EXPECT().Settle(gomock.Any(), "tx-1").DoAndReturn(func(context.Context, string) (model.Transaction, error) {
		cancel()
		return model.Transaction{}, errors.New("db down")
	})

	inflight := &sync.Map{}
	inflight.Store("tx-1", struct{}{})

	ch := make(chan model.Transaction, 1)
	ch <- model.Transaction{ID: "tx-1", CustomerID: "c1"}

	srv.SettlePending(ctx, ch, inflight)

	_, stillHeld := inflight.Load("tx-1")
	assert.False(t, stillHeld)
}

func TestReconciliationControl_RefundsOrphanedDebit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.Default()
	cfg.Reconciler.Interval = 10 * time.Millisecond
	cfg.Reconciler.OrphanGrace = 20 * time.Millisecond

	store := storage.NewMemoryStorage()
	l := ledger.New(store, cfg.Ledger, logger)
	_, err := l.OpenWallet(ctx, "c1")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "c1", model.Credit, d("1000"), "top-up", "")
	require.NoError(t, err)

	// debit committed, order never written
	_, err = l.Debit(ctx, "c1", d("550"), "order payment", "ord_lost")
	require.NoError(t, err)

	srv := NewServer(l, nil, nil, payment.NewRecovery(store, l, logger), cfg, &deps.Deps{Logger: logger})

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ReconciliationControl(ctx)
	}()

	require.Eventually(t, func() bool {
		balance, err := l.BalanceOf(ctx, "c1")
		return err == nil && balance.Equal(d("1000"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	refunds, err := l.Page(context.Background(), "c1", model.TransactionQuery{Kind: model.Refund}, "")
	require.NoError(t, err)
	require.Len(t, refunds.Transactions, 1)
	assert.Equal(t, "ord_lost", refunds.Transactions[0].RelatedOrderID)
	require.NoError(t, l.Verify(context.Background(), "c1"))
}

func TestRecoverOrphans_LogsSweepFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	recovery := mocks.NewMockRecoverer(ctrl)

	cfg := config.Default()
	srv := NewServer(nil, nil, nil, recovery, cfg, &deps.Deps{Logger: zaptest.NewLogger(t).Sugar()})

	recovery.EXPECT().Sweep(gomock.Any(), cfg.Reconciler.OrphanGrace, cfg.Reconciler.BatchSize).Return(1, errors.New("db down"))

	srv.RecoverOrphans(context.Background())
}
