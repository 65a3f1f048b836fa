package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/metrics"
	"github.com/and161185/postwallet/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Journal finds payments whose saga never reached a settled end: a debit
// without an order, or a cancelled paid order without a refund.
type Journal interface {
	// OrphanedDebits lists COMPLETED debits created before the cutoff whose
	// related order was never stored and which have no non-failed refund.
	OrphanedDebits(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error)
	// UnrefundedCancellations lists paid orders cancelled before the cutoff
	// that have no non-failed refund.
	UnrefundedCancellations(ctx context.Context, before time.Time, limit int) ([]model.Order, error)
}

// Recovery refunds payments left behind by a crash, an ambiguous commit or a
// compensation that could not even be recorded as pending. It works from
// durable state only, so it converges no matter where a saga stopped.
type Recovery struct {
	journal Journal
	wallet  Wallet
	logger  *zap.SugaredLogger
	clock   func() time.Time
}

func NewRecovery(journal Journal, wallet Wallet, logger *zap.SugaredLogger) *Recovery {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recovery{journal: journal, wallet: wallet, logger: logger, clock: time.Now}
}

// Sweep refunds up to limit orphaned debits and up to limit unrefunded
// cancellations older than grace. It returns how many refunds it applied.
// A refund that already exists for the order is skipped.
func (r *Recovery) Sweep(ctx context.Context, grace time.Duration, limit int) (int, error) {
	before := r.clock().Add(-grace)

	debits, err := r.journal.OrphanedDebits(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list orphaned debits: %w", err)
	}

	applied := 0
	var failures []error
	for _, d := range debits {
		ok, err := r.refund(ctx, d.CustomerID, d.RelatedOrderID, d.Amount, reversalDescription, "debit_without_order")
		if err != nil {
			failures = append(failures, err)
		} else if ok {
			applied++
		}
	}

	cancelled, err := r.journal.UnrefundedCancellations(ctx, before, limit)
	if err != nil {
		failures = append(failures, fmt.Errorf("list unrefunded cancellations: %w", err))
		return applied, errors.Join(failures...)
	}

	for _, o := range cancelled {
		ok, err := r.refund(ctx, o.CustomerID, o.ID, o.Cost.Total, refundDescription, "cancelled_without_refund")
		if err != nil {
			failures = append(failures, err)
		} else if ok {
			applied++
		}
	}

	return applied, errors.Join(failures...)
}

func (r *Recovery) refund(ctx context.Context, customerID, orderID string, amount decimal.Decimal, description, reason string) (bool, error) {
	t, err := r.wallet.Credit(ctx, customerID, model.Refund, amount, description, orderID)
	switch {
	case errors.Is(err, errs.ErrAlreadyRefunded):
		return false, nil
	case err != nil:
		r.logger.Errorw("recovery refund failed", "order_id", orderID, "customer_id", customerID,
			"amount", amount.String(), "reason", reason, "error", err)
		return false, fmt.Errorf("refund order %s: %w", orderID, err)
	}

	metrics.Compensations.WithLabelValues("recovered").Inc()
	r.logger.Warnw("unsettled payment refunded", "order_id", orderID, "customer_id", customerID,
		"amount", amount.String(), "transaction_id", t.ID, "reason", reason)
	return true, nil
}
