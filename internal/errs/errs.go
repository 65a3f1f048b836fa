package errs

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInsufficientFunds = errors.New("not enough balance")
var ErrCustomerNotFound = errors.New("customer not found")
var ErrOrderNotFound = errors.New("order not found")
var ErrTransactionNotFound = errors.New("transaction not found")
var ErrInvalidTransition = errors.New("invalid order status transition")
var ErrDuplicateTrackingNumber = errors.New("tracking number already exists")
var ErrPaymentReconciliationRequired = errors.New("payment reconciliation required")
var ErrBusy = errors.New("wallet busy, retry later")
var ErrValidation = errors.New("validation failed")
var ErrInvalidToken = errors.New("invalid token")
var ErrForbidden = errors.New("forbidden")

// ErrTransient marks storage failures that are safe to retry (serialization
// failures, deadlocks, lock timeouts).
var ErrTransient = errors.New("transient storage failure")

// ErrConflict is returned by compare-and-set updates that lost a race.
var ErrConflict = errors.New("concurrent modification")

var ErrAlreadyRefunded = errors.New("order already refunded")
var ErrLedgerMismatch = errors.New("ledger does not match balance")

type InsufficientFundsError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: balance %s, required %s", ErrInsufficientFunds, e.Balance.String(), e.Required.String())
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

type TransitionError struct {
	OrderID string
	From    string
	To      string
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: order %s %s -> %s: %s", ErrInvalidTransition, e.OrderID, e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Validationf builds an error matching ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
