package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	Pending   OrderStatus = "PENDING"
	Confirmed OrderStatus = "CONFIRMED"
	InTransit OrderStatus = "IN_TRANSIT"
	Delivered OrderStatus = "DELIVERED"
	Cancelled OrderStatus = "CANCELLED"
)

type TransactionKind string

const (
	Credit TransactionKind = "CREDIT"
	Debit  TransactionKind = "DEBIT"
	Refund TransactionKind = "REFUND"
)

// Increases reports whether a completed transaction of this kind adds to the balance.
func (k TransactionKind) Increases() bool {
	return k == Credit || k == Refund
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
)

type Customer struct {
	ID            string
	WalletBalance decimal.Decimal
	LedgerSeq     int64
	CreatedAt     time.Time
}

type Transaction struct {
	ID             string
	CustomerID     string
	Seq            int64
	Kind           TransactionKind
	Amount         decimal.Decimal
	BalanceAfter   decimal.NullDecimal
	Description    string
	RelatedOrderID string
	Status         TransactionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CostBreakdown struct {
	BasePrice           decimal.Decimal
	WeightCharge        decimal.Decimal
	InsuranceCharge     decimal.Decimal
	InternationalCharge decimal.Decimal
	Total               decimal.Decimal
}

type Dimensions struct {
	LengthCm decimal.Decimal
	WidthCm  decimal.Decimal
	HeightCm decimal.Decimal
}

type PackageDetails struct {
	WeightKg          decimal.Decimal
	Dimensions        Dimensions
	DeclaredValue     decimal.Decimal
	International     bool
	PickupAddressID   string
	DeliveryAddressID string
}

type Order struct {
	ID                    string
	CustomerID            string
	TrackingNumber        string
	Status                OrderStatus
	Cost                  CostBreakdown
	Package               PackageDetails
	PaymentTransactionID  string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	EstimatedDeliveryDate time.Time
}

type OrderEvent struct {
	OrderID    string
	From       OrderStatus
	To         OrderStatus
	OccurredAt time.Time
}

// Cancellation is the outcome of cancelling a paid order. Refund is nil when
// nothing was credited by this call.
type Cancellation struct {
	Order          Order
	Refund         *Transaction
	RefundedAmount decimal.Decimal
}

type TransactionQuery struct {
	Limit     int
	Ascending bool
	Kind      TransactionKind
	Status    TransactionStatus
	// AfterSeq and BeforeSeq bound the page exclusively; zero means unbounded.
	AfterSeq  int64
	BeforeSeq int64
	// UpToSeq is the inclusive snapshot head; later transactions are excluded.
	UpToSeq int64
}

type TransactionPage struct {
	Transactions []Transaction
	NextCursor   string
}
