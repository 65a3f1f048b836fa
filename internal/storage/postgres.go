package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/ledger"
	"github.com/and161185/postwallet/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	trackingNumberConstraint = "orders_tracking_number_key"
	oneRefundConstraint      = "transactions_one_refund_per_order"
)

type PostgresStorage struct {
	db *pgxpool.Pool
}

func (store *PostgresStorage) initSchema(ctx context.Context) error {
	const initSchemaQuery = `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		wallet_balance NUMERIC NOT NULL DEFAULT 0 CHECK (wallet_balance >= 0),
		ledger_seq BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		seq BIGINT NOT NULL,
		kind TEXT NOT NULL,
		amount NUMERIC NOT NULL CHECK (amount > 0),
		balance_after NUMERIC,
		description TEXT NOT NULL DEFAULT '',
		related_order_id TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (customer_id, seq)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS transactions_one_refund_per_order
		ON transactions (related_order_id) WHERE kind = 'REFUND' AND status <> 'FAILED';
	CREATE INDEX IF NOT EXISTS transactions_pending
		ON transactions (created_at) WHERE status = 'PENDING';
	CREATE INDEX IF NOT EXISTS transactions_order_debits
		ON transactions (created_at) WHERE kind = 'DEBIT' AND status = 'COMPLETED';
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		tracking_number TEXT NOT NULL,
		status TEXT NOT NULL,
		base_price NUMERIC NOT NULL,
		weight_charge NUMERIC NOT NULL,
		insurance_charge NUMERIC NOT NULL,
		international_charge NUMERIC NOT NULL,
		total NUMERIC NOT NULL,
		weight_kg NUMERIC NOT NULL,
		length_cm NUMERIC NOT NULL,
		width_cm NUMERIC NOT NULL,
		height_cm NUMERIC NOT NULL,
		declared_value NUMERIC NOT NULL DEFAULT 0,
		international BOOLEAN NOT NULL DEFAULT FALSE,
		pickup_address_id TEXT NOT NULL DEFAULT '',
		delivery_address_id TEXT NOT NULL DEFAULT '',
		payment_transaction_id UUID REFERENCES transactions(id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		estimated_delivery_date DATE NOT NULL,
		CONSTRAINT orders_tracking_number_key UNIQUE (tracking_number)
	);
	CREATE TABLE IF NOT EXISTS order_status_events (
		id BIGSERIAL PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		from_status TEXT,
		to_status TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS order_status_events_order ON order_status_events (order_id, id);`

	_, err := store.db.Exec(ctx, initSchemaQuery)
	return err
}

func NewPostgreStorage(ctx context.Context, DatabaseURI string) (*PostgresStorage, error) {
	db, err := pgxpool.New(ctx, DatabaseURI)
	if err != nil {
		return nil, err
	}

	storage := &PostgresStorage{db: db}

	if err := storage.Ping(ctx); err != nil {
		return nil, err
	}

	if err := storage.initSchema(ctx); err != nil {
		return nil, err
	}

	return storage, nil
}

func (store *PostgresStorage) Ping(ctx context.Context) error {
	return store.db.Ping(ctx)
}

func (store *PostgresStorage) Close() {
	store.db.Close()
}

func (store *PostgresStorage) CreateCustomer(ctx context.Context, customerID string, now time.Time) (bool, error) {
	const query = `INSERT INTO customers (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`

	cmdTag, err := store.db.Exec(ctx, query, customerID, now)
	if err != nil {
		return false, fmt.Errorf("insert customer: %w", classify(err))
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) GetCustomer(ctx context.Context, customerID string) (model.Customer, error) {
	const query = `SELECT id, wallet_balance::text, ledger_seq, created_at FROM customers WHERE id = $1`

	c, err := scanCustomer(s.db.QueryRow(ctx, query, customerID))
	if err != nil {
		return model.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// WithCustomer locks the customer row for the duration of the transaction, so
// every balance mutation of that customer is serialized across processes.
func (s *PostgresStorage) WithCustomer(ctx context.Context, customerID string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	const lockQuery = `SELECT id, wallet_balance::text, ledger_seq, created_at FROM customers WHERE id = $1 FOR UPDATE`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	customer, err := scanCustomer(tx.QueryRow(ctx, lockQuery, customerID))
	if err != nil {
		return fmt.Errorf("lock customer: %w", err)
	}

	if err := fn(ctx, &postgresTx{tx: tx, customer: customer, seq: customer.LedgerSeq}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

const transactionColumns = `id::text, customer_id, seq, kind, amount::text, balance_after::text,
	description, COALESCE(related_order_id, ''), status, created_at, updated_at`

func (s *PostgresStorage) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return model.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *PostgresStorage) ListTransactions(ctx context.Context, customerID string, q model.TransactionQuery) ([]model.Transaction, error) {
	where := []string{"customer_id = $1", "seq <= $2"}
	args := []any{customerID, q.UpToSeq}

	if q.AfterSeq > 0 {
		args = append(args, q.AfterSeq)
		where = append(where, fmt.Sprintf("seq > $%d", len(args)))
	}
	if q.BeforeSeq > 0 {
		args = append(args, q.BeforeSeq)
		where = append(where, fmt.Sprintf("seq < $%d", len(args)))
	}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	direction := "DESC"
	if q.Ascending {
		direction = "ASC"
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY seq %s`, transactionColumns, strings.Join(where, " AND "), direction)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	return s.queryTransactions(ctx, query, args...)
}

func (s *PostgresStorage) PendingTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = 'PENDING' ORDER BY created_at ASC, id ASC LIMIT NULLIF($1::bigint, 0)`
	return s.queryTransactions(ctx, query, limit)
}

// TODO: mark debits as settled once their order or refund exists so this
// query stops rescanning the whole debit history on every sweep.
func (s *PostgresStorage) OrphanedDebits(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t
		WHERE t.kind = 'DEBIT' AND t.status = 'COMPLETED'
			AND t.related_order_id IS NOT NULL AND t.created_at < $1
			AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.id = t.related_order_id)
			AND NOT EXISTS (SELECT 1 FROM transactions r
				WHERE r.related_order_id = t.related_order_id AND r.kind = 'REFUND' AND r.status <> 'FAILED')
		ORDER BY t.created_at ASC, t.id ASC LIMIT NULLIF($2::bigint, 0)`
	return s.queryTransactions(ctx, query, before, limit)
}

func (s *PostgresStorage) UnrefundedCancellations(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o
		WHERE o.status = 'CANCELLED' AND o.payment_transaction_id IS NOT NULL AND o.updated_at < $1
			AND NOT EXISTS (SELECT 1 FROM transactions r
				WHERE r.related_order_id = o.id AND r.kind = 'REFUND' AND r.status <> 'FAILED')
		ORDER BY o.updated_at ASC, o.id ASC LIMIT NULLIF($2::bigint, 0)`

	rows, err := s.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query cancelled orders: %w", classify(err))
	}
	defer rows.Close()

	var list []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return list, nil
}

func (s *PostgresStorage) queryTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", classify(err))
	}
	defer rows.Close()

	var list []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		list = append(list, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return list, nil
}

const orderColumns = `id, customer_id, tracking_number, status,
	base_price::text, weight_charge::text, insurance_charge::text, international_charge::text, total::text,
	weight_kg::text, length_cm::text, width_cm::text, height_cm::text, declared_value::text, international,
	pickup_address_id, delivery_address_id, COALESCE(payment_transaction_id::text, ''),
	created_at, updated_at, estimated_delivery_date`

func (s *PostgresStorage) InsertOrder(ctx context.Context, order model.Order) error {
	const insertOrderQuery = `
		INSERT INTO orders (id, customer_id, tracking_number, status,
			base_price, weight_charge, insurance_charge, international_charge, total,
			weight_kg, length_cm, width_cm, height_cm, declared_value, international,
			pickup_address_id, delivery_address_id, payment_transaction_id,
			created_at, updated_at, estimated_delivery_date)
		VALUES ($1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric, $15,
			$16, $17, NULLIF($18, '')::uuid,
			$19, $20, $21)`

	const insertEventQuery = `INSERT INTO order_status_events (order_id, to_status, occurred_at) VALUES ($1, $2, $3)`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	cost, pkg := order.Cost, order.Package
	_, err = tx.Exec(ctx, insertOrderQuery,
		order.ID, order.CustomerID, order.TrackingNumber, string(order.Status),
		cost.BasePrice.String(), cost.WeightCharge.String(), cost.InsuranceCharge.String(), cost.InternationalCharge.String(), cost.Total.String(),
		pkg.WeightKg.String(), pkg.Dimensions.LengthCm.String(), pkg.Dimensions.WidthCm.String(), pkg.Dimensions.HeightCm.String(), pkg.DeclaredValue.String(), pkg.International,
		pkg.PickupAddressID, pkg.DeliveryAddressID, order.PaymentTransactionID,
		order.CreatedAt, order.UpdatedAt, order.EstimatedDeliveryDate,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && pgErr.ConstraintName == trackingNumberConstraint:
				return errs.ErrDuplicateTrackingNumber
			case pgErr.Code == "23503" && strings.Contains(pgErr.ConstraintName, "customer"):
				return errs.ErrCustomerNotFound
			case pgErr.Code == "23503":
				return fmt.Errorf("insert order: %w", errs.ErrTransactionNotFound)
			}
		}
		return fmt.Errorf("insert order: %w", classify(err))
	}

	if _, err := tx.Exec(ctx, insertEventQuery, order.ID, string(order.Status), order.CreatedAt); err != nil {
		return fmt.Errorf("insert order event: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (s *PostgresStorage) GetOrder(ctx context.Context, id string) (model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (s *PostgresStorage) GetOrderByTrackingNumber(ctx context.Context, trackingNumber string) (model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tracking_number = $1`

	order, err := scanOrder(s.db.QueryRow(ctx, query, trackingNumber))
	if err != nil {
		return model.Order{}, fmt.Errorf("get order by tracking number: %w", err)
	}
	return order, nil
}

func (s *PostgresStorage) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	const updateQuery = `UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	const existsQuery = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
	const insertEventQuery = `
		INSERT INTO order_status_events (order_id, from_status, to_status, occurred_at)
		VALUES ($1, $2, $3, $4)`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx, updateQuery, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update order status: %w", classify(err))
	}

	// Nothing updated: either the order is gone or someone moved it first.
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", classify(err))
		}
		if !exists {
			return errs.ErrOrderNotFound
		}
		return errs.ErrConflict
	}

	if _, err := tx.Exec(ctx, insertEventQuery, id, string(from), string(to), at); err != nil {
		return fmt.Errorf("insert order event: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (s *PostgresStorage) ListOrderEvents(ctx context.Context, id string) ([]model.OrderEvent, error) {
	const query = `
		SELECT order_id, COALESCE(from_status, ''), to_status, occurred_at
		FROM order_status_events
		WHERE order_id = $1
		ORDER BY id ASC`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get order events: %w", classify(err))
	}
	defer rows.Close()

	var list []model.OrderEvent
	for rows.Next() {
		var e model.OrderEvent
		var from, to string
		if err := rows.Scan(&e.OrderID, &from, &to, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.From, e.To = model.OrderStatus(from), model.OrderStatus(to)
		list = append(list, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(list) == 0 {
		return nil, errs.ErrOrderNotFound
	}
	return list, nil
}

// postgresTx is the ledger.Tx handed to WithCustomer callbacks.
type postgresTx struct {
	tx       pgx.Tx
	customer model.Customer
	seq      int64
}

func (t *postgresTx) Customer() model.Customer {
	return t.customer
}

func (t *postgresTx) SetBalance(ctx context.Context, balance decimal.Decimal) error {
	const query = `UPDATE customers SET wallet_balance = $2::numeric WHERE id = $1`

	if _, err := t.tx.Exec(ctx, query, t.customer.ID, balance.String()); err != nil {
		return fmt.Errorf("set balance: %w", classify(err))
	}
	return nil
}

func (t *postgresTx) AppendTransaction(ctx context.Context, tr model.Transaction) (model.Transaction, error) {
	const bumpSeqQuery = `UPDATE customers SET ledger_seq = $2 WHERE id = $1`
	const insertQuery = `
		INSERT INTO transactions (id, customer_id, seq, kind, amount, balance_after,
			description, related_order_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, NULLIF($8, ''), $9, $10, $11)`

	seq := t.seq + 1
	if _, err := t.tx.Exec(ctx, bumpSeqQuery, t.customer.ID, seq); err != nil {
		return model.Transaction{}, fmt.Errorf("bump ledger seq: %w", classify(err))
	}

	_, err := t.tx.Exec(ctx, insertQuery,
		tr.ID, tr.CustomerID, seq, string(tr.Kind), tr.Amount.String(), nullDecimalParam(tr.BalanceAfter),
		tr.Description, tr.RelatedOrderID, string(tr.Status), tr.CreatedAt, tr.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneRefundConstraint {
			return model.Transaction{}, errs.ErrAlreadyRefunded
		}
		return model.Transaction{}, fmt.Errorf("insert transaction: %w", classify(err))
	}

	t.seq = seq
	tr.Seq = seq
	return tr, nil
}

func (t *postgresTx) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND customer_id = $2 FOR UPDATE`

	tr, err := scanTransaction(t.tx.QueryRow(ctx, query, id, t.customer.ID))
	if err != nil {
		return model.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tr, nil
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, id string, status model.TransactionStatus, balanceAfter decimal.NullDecimal, at time.Time) error {
	const query = `
		UPDATE transactions
		SET status = $3, balance_after = $4::numeric, updated_at = $5
		WHERE id = $1 AND customer_id = $2`

	cmdTag, err := t.tx.Exec(ctx, query, id, t.customer.ID, string(status), nullDecimalParam(balanceAfter), at)
	if err != nil {
		return fmt.Errorf("update transaction: %w", classify(err))
	}
	if cmdTag.RowsAffected() == 0 {
		return errs.ErrTransactionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (model.Customer, error) {
	var c model.Customer
	var balance string

	if err := row.Scan(&c.ID, &balance, &c.LedgerSeq, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Customer{}, errs.ErrCustomerNotFound
		}
		return model.Customer{}, classify(err)
	}

	var err error
	if c.WalletBalance, err = decimal.NewFromString(balance); err != nil {
		return model.Customer{}, fmt.Errorf("parse balance: %w", err)
	}
	return c, nil
}

func scanTransaction(row scanner) (model.Transaction, error) {
	var t model.Transaction
	var kind, status, amount string
	var balanceAfter *string

	err := row.Scan(&t.ID, &t.CustomerID, &t.Seq, &kind, &amount, &balanceAfter,
		&t.Description, &t.RelatedOrderID, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Transaction{}, errs.ErrTransactionNotFound
		}
		return model.Transaction{}, classify(err)
	}

	t.Kind = model.TransactionKind(kind)
	t.Status = model.TransactionStatus(status)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return model.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if balanceAfter != nil {
		after, err := decimal.NewFromString(*balanceAfter)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parse balance after: %w", err)
		}
		t.BalanceAfter = decimal.NewNullDecimal(after)
	}
	return t, nil
}

func scanOrder(row scanner) (model.Order, error) {
	var o model.Order
	var status string
	var amounts [10]string

	err := row.Scan(&o.ID, &o.CustomerID, &o.TrackingNumber, &status,
		&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4],
		&amounts[5], &amounts[6], &amounts[7], &amounts[8], &amounts[9], &o.Package.International,
		&o.Package.PickupAddressID, &o.Package.DeliveryAddressID, &o.PaymentTransactionID,
		&o.CreatedAt, &o.UpdatedAt, &o.EstimatedDeliveryDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, errs.ErrOrderNotFound
		}
		return model.Order{}, classify(err)
	}

	parsed := make([]decimal.Decimal, len(amounts))
	for i, a := range amounts {
		if parsed[i], err = decimal.NewFromString(a); err != nil {
			return model.Order{}, fmt.Errorf("parse order amount: %w", err)
		}
	}

	o.Status = model.OrderStatus(status)
	o.Cost = model.CostBreakdown{
		BasePrice:           parsed[0],
		WeightCharge:        parsed[1],
		InsuranceCharge:     parsed[2],
		InternationalCharge: parsed[3],
		Total:               parsed[4],
	}
	o.Package.WeightKg = parsed[5]
	o.Package.Dimensions = model.Dimensions{LengthCm: parsed[6], WidthCm: parsed[7], HeightCm: parsed[8]}
	o.Package.DeclaredValue = parsed[9]
	return o, nil
}

func nullDecimalParam(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// classify marks retryable PostgreSQL failures with errs.ErrTransient.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			// serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
	}
	return err
}
