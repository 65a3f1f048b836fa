package server

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/postwallet/internal/metrics"
	"github.com/and161185/postwallet/internal/model"
)

// ReconciliationControl settles PENDING ledger records and refunds orphaned
// payments until ctx is done. One poller feeds a fixed pool of workers.
func (srv *Server) ReconciliationControl(ctx context.Context) {
	workerCount := max(srv.config.Reconciler.Workers, 1)

	ch := make(chan model.Transaction, 10*workerCount)
	inflight := &sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.SettlePending(ctx, ch, inflight)
		}()
	}

	srv.ProcessPending(ctx, ch, inflight)
	wg.Wait()
}

func (srv *Server) ProcessPending(ctx context.Context, ch chan<- model.Transaction, inflight *sync.Map) {
	interval := srv.config.Reconciler.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		srv.RecoverOrphans(ctx)

		pending, err := srv.wallet.PendingTransactions(ctx, srv.config.Reconciler.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				srv.deps.Logger.Errorf("list pending transactions: %v", err)
			}
		} else {
			metrics.PendingReconciliations.Set(float64(len(pending)))

			skipped := 0
			for _, t := range pending {
				if _, busy := inflight.LoadOrStore(t.ID, struct{}{}); busy {
					continue
				}
				select {
				case ch <- t:
				default:
					inflight.Delete(t.ID)
					skipped++
					if skipped%10 == 0 {
						srv.deps.Logger.Warnf("channel full, skipped %d pending transactions", skipped)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverOrphans refunds debits that never got an order and cancelled orders
// that never got their refund.
func (srv *Server) RecoverOrphans(ctx context.Context) {
	refunded, err := srv.recovery.Sweep(ctx, srv.config.Reconciler.OrphanGrace, srv.config.Reconciler.BatchSize)
	if err != nil && ctx.Err() == nil {
		srv.deps.Logger.Errorf("recover orphaned payments: %v", err)
	}
	if refunded > 0 {
		srv.deps.Logger.Warnf("refunded %d orphaned payments", refunded)
	}
}

func (srv *Server) SettlePending(ctx context.Context, ch <-chan model.Transaction, inflight *sync.Map) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			settled, err := srv.wallet.Settle(ctx, t.ID)
			inflight.Delete(t.ID)
			if err != nil {
				srv.deps.Logger.Errorw("settle pending transaction", "transaction_id", t.ID, "customer_id", t.CustomerID, "order_id", t.RelatedOrderID, "error", err)
				continue
			}
			srv.deps.Logger.Infow("pending transaction reconciled", "transaction_id", settled.ID, "customer_id", settled.CustomerID, "status", settled.Status)
		}
	}
}
