// Package ledger owns customers' wallet balances and the append-only log of
// transactions that explains them. It is the only code that changes a balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/metrics"
	"github.com/and161185/postwallet/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type Config struct {
	// OperationTimeout bounds the wait for a customer's critical section plus
	// the storage work done inside it.
	OperationTimeout  time.Duration
	TransientAttempts int
	TransientBackoff  time.Duration
	MinorUnits        int32
}

func DefaultConfig() Config {
	return Config{
		OperationTimeout:  2 * time.Second,
		TransientAttempts: 3,
		TransientBackoff:  20 * time.Millisecond,
		MinorUnits:        2,
	}
}

type Ledger struct {
	store  Store
	locks  *keyedLocker
	cfg    Config
	logger *zap.SugaredLogger
	clock  func() time.Time
	newID  func() string
}

func New(store Store, cfg Config, logger *zap.SugaredLogger) *Ledger {
	def := DefaultConfig()
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.TransientAttempts <= 0 {
		cfg.TransientAttempts = def.TransientAttempts
	}
	if cfg.TransientBackoff < 0 {
		cfg.TransientBackoff = 0
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Ledger{
		store:  store,
		locks:  newKeyedLocker(),
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

func (l *Ledger) OpenWallet(ctx context.Context, customerID string) (bool, error) {
	if customerID == "" {
		return false, errs.Validationf("customer id required")
	}
	created, err := l.store.CreateCustomer(ctx, customerID, l.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("open wallet: %w", err)
	}
	if created {
		l.logger.Infow("wallet opened", "customer_id", customerID)
	}
	return created, nil
}

// BalanceOf returns the last committed balance.
func (l *Ledger) BalanceOf(ctx context.Context, customerID string) (decimal.Decimal, error) {
	customer, err := l.store.GetCustomer(ctx, customerID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return customer.WalletBalance, nil
}

// Debit withdraws amount from the wallet and appends a COMPLETED DEBIT in the
// same unit of work. The balance check and the decrement cannot interleave
// with any other mutation of the same customer.
func (l *Ledger) Debit(ctx context.Context, customerID string, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error) {
	if err := l.validateAmount(amount); err != nil {
		return model.Transaction{}, err
	}

	var created model.Transaction
	err := l.mutate(ctx, customerID, func(ctx context.Context, tx Tx) error {
		balance := tx.Customer().WalletBalance
		if balance.LessThan(amount) {
			return &errs.InsufficientFundsError{Balance: balance, Required: amount}
		}

		balance = balance.Sub(amount)
		if err := tx.SetBalance(ctx, balance); err != nil {
			return err
		}

		t, err := tx.AppendTransaction(ctx, l.newTransaction(customerID, model.Debit, amount, description, relatedOrderID, model.TxCompleted, balance))
		if err != nil {
			return err
		}
		created = t
		return nil
	})
	metrics.LedgerOperations.WithLabelValues("debit", resultLabel(err)).Inc()
	if err != nil {
		return model.Transaction{}, err
	}

	l.logger.Infow("wallet debited", "customer_id", customerID, "transaction_id", created.ID, "amount", amount.String(), "order_id", relatedOrderID)
	return created, nil
}

// Credit adds amount to the wallet as a COMPLETED CREDIT or REFUND.
func (l *Ledger) Credit(ctx context.Context, customerID string, kind model.TransactionKind, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error) {
	if !kind.Increases() {
		return model.Transaction{}, errs.Validationf("credit kind must be %s or %s", model.Credit, model.Refund)
	}
	if err := l.validateAmount(amount); err != nil {
		return model.Transaction{}, err
	}

	var created model.Transaction
	err := l.mutate(ctx, customerID, func(ctx context.Context, tx Tx) error {
		balance := tx.Customer().WalletBalance.Add(amount)
		if err := tx.SetBalance(ctx, balance); err != nil {
			return err
		}

		t, err := tx.AppendTransaction(ctx, l.newTransaction(customerID, kind, amount, description, relatedOrderID, model.TxCompleted, balance))
		if err != nil {
			return err
		}
		created = t
		return nil
	})
	metrics.LedgerOperations.WithLabelValues(kindOperation(kind), resultLabel(err)).Inc()
	if err != nil {
		return model.Transaction{}, err
	}

	l.logger.Infow("wallet credited", "customer_id", customerID, "transaction_id", created.ID, "kind", kind, "amount", amount.String(), "order_id", relatedOrderID)
	return created, nil
}

// RecordPending appends a PENDING credit or refund without touching the
// balance. It is how a compensation that could not be applied is kept
// visible until Settle applies it.
func (l *Ledger) RecordPending(ctx context.Context, customerID string, kind model.TransactionKind, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error) {
	if !kind.Increases() {
		return model.Transaction{}, errs.Validationf("pending kind must be %s or %s", model.Credit, model.Refund)
	}
	if err := l.validateAmount(amount); err != nil {
		return model.Transaction{}, err
	}

	var created model.Transaction
	err := l.mutate(ctx, customerID, func(ctx context.Context, tx Tx) error {
		t := l.newTransaction(customerID, kind, amount, description, relatedOrderID, model.TxPending, decimal.Decimal{})
		t.BalanceAfter = decimal.NullDecimal{}
		stored, err := tx.AppendTransaction(ctx, t)
		if err != nil {
			return err
		}
		created = stored
		return nil
	})
	metrics.LedgerOperations.WithLabelValues("record_pending", resultLabel(err)).Inc()
	if err != nil {
		return model.Transaction{}, err
	}

	l.logger.Warnw("pending ledger record created", "customer_id", customerID, "transaction_id", created.ID, "kind", kind, "amount", amount.String(), "order_id", relatedOrderID)
	return created, nil
}

func (l *Ledger) PendingTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	return l.store.PendingTransactions(ctx, limit)
}

// Settle applies a PENDING transaction to the balance and marks it COMPLETED.
// A pending debit that the balance cannot cover is marked FAILED. Settling a
// transaction that is no longer pending returns it unchanged.
func (l *Ledger) Settle(ctx context.Context, transactionID string) (model.Transaction, error) {
	pending, err := l.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return model.Transaction{}, err
	}
	if pending.Status != model.TxPending {
		return pending, nil
	}

	var settled model.Transaction
	err = l.mutate(ctx, pending.CustomerID, func(ctx context.Context, tx Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Status != model.TxPending {
			settled = t
			return nil
		}

		now := l.clock().UTC()
		balance := tx.Customer().WalletBalance
		switch {
		case t.Kind.Increases():
			balance = balance.Add(t.Amount)
		case balance.LessThan(t.Amount):
			if err := tx.UpdateTransaction(ctx, t.ID, model.TxFailed, decimal.NullDecimal{}, now); err != nil {
				return err
			}
			t.Status = model.TxFailed
			t.UpdatedAt = now
			settled = t
			return nil
		default:
			balance = balance.Sub(t.Amount)
		}

		if err := tx.SetBalance(ctx, balance); err != nil {
			return err
		}
		after := decimal.NewNullDecimal(balance)
		if err := tx.UpdateTransaction(ctx, t.ID, model.TxCompleted, after, now); err != nil {
			return err
		}
		t.Status = model.TxCompleted
		t.BalanceAfter = after
		t.UpdatedAt = now
		settled = t
		return nil
	})
	metrics.LedgerOperations.WithLabelValues("settle", resultLabel(err)).Inc()
	if err != nil {
		return model.Transaction{}, err
	}

	l.logger.Infow("pending ledger record settled", "customer_id", settled.CustomerID, "transaction_id", settled.ID, "status", settled.Status)
	return settled, nil
}

// Page returns one page of history. The first page pins the ledger head so
// following pages never include transactions appended in between.
func (l *Ledger) Page(ctx context.Context, customerID string, q model.TransactionQuery, token string) (model.TransactionPage, error) {
	c, ok, err := decodeCursor(token)
	if err != nil {
		return model.TransactionPage{}, err
	}
	if !ok {
		customer, err := l.store.GetCustomer(ctx, customerID)
		if err != nil {
			return model.TransactionPage{}, err
		}
		c = cursor{Head: customer.LedgerSeq, Asc: q.Ascending}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	list, err := l.store.ListTransactions(ctx, customerID, c.query(q, limit+1))
	if err != nil {
		return model.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}

	page := model.TransactionPage{Transactions: list}
	if len(list) > limit {
		page.Transactions = list[:limit]
		c.Last = page.Transactions[limit-1].Seq
		next, err := encodeCursor(c)
		if err != nil {
			return model.TransactionPage{}, err
		}
		page.NextCursor = next
	}
	return page, nil
}

// History returns a lazy, finite sequence of the customer's transactions,
// newest first unless filter.Ascending is set. The sequence is a snapshot of
// the ledger as of this call: ranging over it again replays the same
// transactions, and appends made meanwhile never show up.
func (l *Ledger) History(ctx context.Context, customerID string, filter model.TransactionQuery) (iter.Seq2[model.Transaction, error], error) {
	customer, err := l.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	pageSize := filter.Limit
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	head := customer.LedgerSeq

	return func(yield func(model.Transaction, error) bool) {
		c := cursor{Head: head, Asc: filter.Ascending}
		for {
			list, err := l.store.ListTransactions(ctx, customerID, c.query(filter, pageSize))
			if err != nil {
				yield(model.Transaction{}, fmt.Errorf("list transactions: %w", err))
				return
			}
			for _, t := range list {
				if !yield(t, nil) {
					return
				}
			}
			if len(list) < pageSize {
				return
			}
			c.Last = list[len(list)-1].Seq
		}
	}, nil
}

// Verify recomputes the balance from COMPLETED transactions while holding the
// customer's critical section.
func (l *Ledger) Verify(ctx context.Context, customerID string) error {
	return l.mutate(ctx, customerID, func(ctx context.Context, tx Tx) error {
		customer := tx.Customer()
		sum := decimal.Zero
		c := cursor{Head: customer.LedgerSeq, Asc: true}
		filter := model.TransactionQuery{Status: model.TxCompleted}
		for {
			list, err := l.store.ListTransactions(ctx, customerID, c.query(filter, MaxPageSize))
			if err != nil {
				return fmt.Errorf("list transactions: %w", err)
			}
			for _, t := range list {
				if t.Kind.Increases() {
					sum = sum.Add(t.Amount)
				} else {
					sum = sum.Sub(t.Amount)
				}
			}
			if len(list) < MaxPageSize {
				break
			}
			c.Last = list[len(list)-1].Seq
		}

		if !sum.Equal(customer.WalletBalance) {
			return fmt.Errorf("%w: customer %s balance %s, ledger %s", errs.ErrLedgerMismatch, customerID, customer.WalletBalance.String(), sum.String())
		}
		return nil
	})
}

func (c cursor) query(filter model.TransactionQuery, limit int) model.TransactionQuery {
	q := model.TransactionQuery{
		Limit:     limit,
		Ascending: c.Asc,
		Kind:      filter.Kind,
		Status:    filter.Status,
		UpToSeq:   c.Head,
	}
	if c.Asc {
		q.AfterSeq = c.Last
	} else {
		q.BeforeSeq = c.Last
	}
	return q
}

// mutate runs fn inside the customer's critical section. Transient storage
// failures are retried; running out of attempts or time yields ErrBusy.
func (l *Ledger) mutate(ctx context.Context, customerID string, fn func(ctx context.Context, tx Tx) error) error {
	if customerID == "" {
		return errs.Validationf("customer id required")
	}

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := l.locks.lock(opCtx, customerID)
	metrics.LedgerLockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: customer %s: %v", errs.ErrBusy, customerID, err)
	}
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= l.cfg.TransientAttempts; attempt++ {
		err := l.store.WithCustomer(opCtx, customerID, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: customer %s: %v", errs.ErrBusy, customerID, err)
		case !errors.Is(err, errs.ErrTransient):
			return err
		}

		lastErr = err
		l.logger.Warnw("transient ledger failure", "customer_id", customerID, "attempt", attempt, "error", err)
		if attempt < l.cfg.TransientAttempts {
			if err := sleep(opCtx, l.cfg.TransientBackoff*time.Duration(attempt)); err != nil {
				return fmt.Errorf("%w: customer %s: %v", errs.ErrBusy, customerID, err)
			}
		}
	}
	return fmt.Errorf("%w: customer %s: %v", errs.ErrBusy, customerID, lastErr)
}

func (l *Ledger) newTransaction(customerID string, kind model.TransactionKind, amount decimal.Decimal, description, relatedOrderID string, status model.TransactionStatus, balanceAfter decimal.Decimal) model.Transaction {
	now := l.clock().UTC()
	return model.Transaction{
		ID:             l.newID(),
		CustomerID:     customerID,
		Kind:           kind,
		Amount:         amount,
		BalanceAfter:   decimal.NewNullDecimal(balanceAfter),
		Description:    description,
		RelatedOrderID: relatedOrderID,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (l *Ledger) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.Validationf("amount must be positive")
	}
	if !amount.Equal(amount.Round(l.cfg.MinorUnits)) {
		return errs.Validationf("amount has more than %d decimal places", l.cfg.MinorUnits)
	}
	return nil
}

func kindOperation(kind model.TransactionKind) string {
	if kind == model.Refund {
		return "refund"
	}
	return "credit"
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, errs.ErrBusy):
		return "busy"
	case errors.Is(err, errs.ErrCustomerNotFound):
		return "not_found"
	default:
		return metrics.Result(err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
