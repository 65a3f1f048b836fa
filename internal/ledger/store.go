package ledger

import (
	"context"
	"time"

	"github.com/and161185/postwallet/internal/model"
	"github.com/shopspring/decimal"
)

// Store persists customers' balances and their transaction log.
type Store interface {
	CreateCustomer(ctx context.Context, customerID string, now time.Time) (bool, error)
	GetCustomer(ctx context.Context, customerID string) (model.Customer, error)

	// WithCustomer runs fn in a unit of work that holds the customer's balance
	// exclusively. Everything fn writes through tx is committed together if fn
	// returns nil and discarded otherwise.
	WithCustomer(ctx context.Context, customerID string, fn func(ctx context.Context, tx Tx) error) error

	GetTransaction(ctx context.Context, id string) (model.Transaction, error)
	ListTransactions(ctx context.Context, customerID string, q model.TransactionQuery) ([]model.Transaction, error)
	PendingTransactions(ctx context.Context, limit int) ([]model.Transaction, error)
}

// Tx is the view of one customer inside WithCustomer.
type Tx interface {
	// Customer returns the row as locked at the start of the unit of work.
	Customer() model.Customer
	SetBalance(ctx context.Context, balance decimal.Decimal) error
	// AppendTransaction assigns the next ledger sequence number and stores t.
	AppendTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (model.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, status model.TransactionStatus, balanceAfter decimal.NullDecimal, at time.Time) error
}
