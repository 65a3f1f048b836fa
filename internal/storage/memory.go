package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/ledger"
	"github.com/and161185/postwallet/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStorage keeps everything in process memory. It backs local runs
// without a database and the domain tests.
type MemoryStorage struct {
	mu           sync.RWMutex
	customers    map[string]model.Customer
	customerLock map[string]*sync.Mutex
	transactions map[string]model.Transaction
	ledgers      map[string][]string // customer id -> transaction ids by seq
	refunds      map[string]string   // order id -> non-failed refund transaction id
	orders       map[string]model.Order
	tracking     map[string]string
	events       map[string][]model.OrderEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		customers:    make(map[string]model.Customer),
		customerLock: make(map[string]*sync.Mutex),
		transactions: make(map[string]model.Transaction),
		ledgers:      make(map[string][]string),
		refunds:      make(map[string]string),
		orders:       make(map[string]model.Order),
		tracking:     make(map[string]string),
		events:       make(map[string][]model.OrderEvent),
	}
}

// Close is a no-op; it lets the process release either store the same way.
func (s *MemoryStorage) Close() {}

func (s *MemoryStorage) CreateCustomer(_ context.Context, customerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[customerID]; ok {
		return false, nil
	}
	s.customers[customerID] = model.Customer{ID: customerID, WalletBalance: decimal.Zero, CreatedAt: now}
	s.customerLock[customerID] = &sync.Mutex{}
	return true, nil
}

func (s *MemoryStorage) GetCustomer(_ context.Context, customerID string) (model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return model.Customer{}, errs.ErrCustomerNotFound
	}
	return c, nil
}

func (s *MemoryStorage) WithCustomer(ctx context.Context, customerID string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.RLock()
	lock, ok := s.customerLock[customerID]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrCustomerNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	customer := s.customers[customerID]
	s.mu.RUnlock()

	tx := &memoryTx{
		store:    s,
		customer: customer,
		balance:  customer.WalletBalance,
		seq:      customer.LedgerSeq,
		updates:  make(map[string]model.Transaction),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer.WalletBalance = tx.balance
	customer.LedgerSeq = tx.seq
	s.customers[customerID] = customer
	for _, t := range tx.appended {
		s.transactions[t.ID] = t
		s.ledgers[customerID] = append(s.ledgers[customerID], t.ID)
	}
	for id, t := range tx.updates {
		s.transactions[id] = t
	}
	for _, t := range tx.appended {
		s.indexRefund(t)
	}
	for _, t := range tx.updates {
		s.indexRefund(t)
	}
	return nil
}

func (s *MemoryStorage) indexRefund(t model.Transaction) {
	if t.Kind != model.Refund || t.RelatedOrderID == "" {
		return
	}
	if t.Status == model.TxFailed {
		if s.refunds[t.RelatedOrderID] == t.ID {
			delete(s.refunds, t.RelatedOrderID)
		}
		return
	}
	s.refunds[t.RelatedOrderID] = t.ID
}

func (s *MemoryStorage) GetTransaction(_ context.Context, id string) (model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return model.Transaction{}, errs.ErrTransactionNotFound
	}
	return t, nil
}

func (s *MemoryStorage) ListTransactions(_ context.Context, customerID string, q model.TransactionQuery) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.ledgers[customerID]
	upTo := min(q.UpToSeq, int64(len(ids)))

	var list []model.Transaction
	appendIfMatch := func(seq int64) bool {
		t := s.transactions[ids[seq-1]]
		if (q.Kind == "" || t.Kind == q.Kind) && (q.Status == "" || t.Status == q.Status) {
			list = append(list, t)
		}
		return q.Limit <= 0 || len(list) < q.Limit
	}

	if q.Ascending {
		for seq := q.AfterSeq + 1; seq <= upTo; seq++ {
			if q.BeforeSeq > 0 && seq >= q.BeforeSeq {
				break
			}
			if !appendIfMatch(seq) {
				break
			}
		}
		return list, nil
	}

	start := upTo
	if q.BeforeSeq > 0 {
		start = min(start, q.BeforeSeq-1)
	}
	for seq := start; seq > q.AfterSeq && seq >= 1; seq-- {
		if !appendIfMatch(seq) {
			break
		}
	}
	return list, nil
}

func (s *MemoryStorage) PendingTransactions(_ context.Context, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []model.Transaction
	for _, t := range s.transactions {
		if t.Status == model.TxPending {
			list = append(list, t)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryStorage) OrphanedDebits(_ context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []model.Transaction
	for _, t := range s.transactions {
		if t.Kind != model.Debit || t.Status != model.TxCompleted || t.RelatedOrderID == "" || !t.CreatedAt.Before(before) {
			continue
		}
		if _, ok := s.orders[t.RelatedOrderID]; ok {
			continue
		}
		if _, ok := s.refunds[t.RelatedOrderID]; ok {
			continue
		}
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryStorage) UnrefundedCancellations(_ context.Context, before time.Time, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []model.Order
	for _, o := range s.orders {
		if o.Status != model.Cancelled || o.PaymentTransactionID == "" || !o.UpdatedAt.Before(before) {
			continue
		}
		if _, ok := s.refunds[o.ID]; ok {
			continue
		}
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.Before(list[j].UpdatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryStorage) InsertOrder(_ context.Context, order model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[order.CustomerID]; !ok {
		return errs.ErrCustomerNotFound
	}
	if _, ok := s.tracking[order.TrackingNumber]; ok {
		return errs.ErrDuplicateTrackingNumber
	}
	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("insert order: %w: id %s exists", errs.ErrConflict, order.ID)
	}
	if order.PaymentTransactionID != "" {
		if _, ok := s.transactions[order.PaymentTransactionID]; !ok {
			return fmt.Errorf("insert order: %w", errs.ErrTransactionNotFound)
		}
	}

	s.orders[order.ID] = order
	s.tracking[order.TrackingNumber] = order.ID
	s.events[order.ID] = []model.OrderEvent{{OrderID: order.ID, To: order.Status, OccurredAt: order.CreatedAt}}
	return nil
}

func (s *MemoryStorage) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return model.Order{}, errs.ErrOrderNotFound
	}
	return order, nil
}

func (s *MemoryStorage) GetOrderByTrackingNumber(ctx context.Context, trackingNumber string) (model.Order, error) {
	s.mu.RLock()
	id, ok := s.tracking[trackingNumber]
	s.mu.RUnlock()
	if !ok {
		return model.Order{}, errs.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *MemoryStorage) UpdateOrderStatus(_ context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return errs.ErrOrderNotFound
	}
	if order.Status != from {
		return errs.ErrConflict
	}

	order.Status = to
	order.UpdatedAt = at
	s.orders[id] = order
	s.events[id] = append(s.events[id], model.OrderEvent{OrderID: id, From: from, To: to, OccurredAt: at})
	return nil
}

func (s *MemoryStorage) ListOrderEvents(_ context.Context, id string) ([]model.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orders[id]; !ok {
		return nil, errs.ErrOrderNotFound
	}
	return slices.Clone(s.events[id]), nil
}

// memoryTx stages writes until WithCustomer commits them.
type memoryTx struct {
	store    *MemoryStorage
	customer model.Customer
	balance  decimal.Decimal
	seq      int64
	appended []model.Transaction
	updates  map[string]model.Transaction
}

func (tx *memoryTx) Customer() model.Customer {
	return tx.customer
}

func (tx *memoryTx) SetBalance(_ context.Context, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("set balance: negative balance %s", balance.String())
	}
	tx.balance = balance
	return nil
}

func (tx *memoryTx) AppendTransaction(_ context.Context, t model.Transaction) (model.Transaction, error) {
	if t.Kind == model.Refund && t.RelatedOrderID != "" && t.Status != model.TxFailed {
		if tx.refundExists(t.RelatedOrderID) {
			return model.Transaction{}, errs.ErrAlreadyRefunded
		}
	}

	tx.seq++
	t.Seq = tx.seq
	tx.appended = append(tx.appended, t)
	return t, nil
}

func (tx *memoryTx) refundExists(orderID string) bool {
	for _, t := range tx.appended {
		if t.Kind == model.Refund && t.RelatedOrderID == orderID && t.Status != model.TxFailed {
			return true
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.refunds[orderID]
	return ok
}

func (tx *memoryTx) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	if t, ok := tx.updates[id]; ok {
		return t, nil
	}
	for _, t := range tx.appended {
		if t.ID == id {
			return t, nil
		}
	}
	t, err := tx.store.GetTransaction(ctx, id)
	if err != nil {
		return model.Transaction{}, err
	}
	if t.CustomerID != tx.customer.ID {
		return model.Transaction{}, errs.ErrTransactionNotFound
	}
	return t, nil
}

func (tx *memoryTx) UpdateTransaction(ctx context.Context, id string, status model.TransactionStatus, balanceAfter decimal.NullDecimal, at time.Time) error {
	for i, t := range tx.appended {
		if t.ID == id {
			tx.appended[i].Status = status
			tx.appended[i].BalanceAfter = balanceAfter
			tx.appended[i].UpdatedAt = at
			return nil
		}
	}

	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	t.Status = status
	t.BalanceAfter = balanceAfter
	t.UpdatedAt = at
	tx.updates[id] = t
	return nil
}
