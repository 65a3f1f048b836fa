// Package payment combines wallet and order operations into units of work that
// either fully happen or are compensated.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/metrics"
	"github.com/and161185/postwallet/internal/model"
	"github.com/and161185/postwallet/internal/orders"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	paymentDescription  = "order payment"
	reversalDescription = "order payment reversal"
	refundDescription   = "order cancellation refund"
)

var tracer = otel.Tracer("github.com/and161185/postwallet/internal/payment")

type Wallet interface {
	Debit(ctx context.Context, customerID string, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error)
	Credit(ctx context.Context, customerID string, kind model.TransactionKind, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error)
	RecordPending(ctx context.Context, customerID string, kind model.TransactionKind, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error)
}

type Orders interface {
	Create(ctx context.Context, o orders.NewOrder) (model.Order, error)
	Cancel(ctx context.Context, id string) (model.Order, error)
}

type Pricer interface {
	PricePackage(pkg model.PackageDetails) (model.CostBreakdown, error)
}

type Config struct {
	TrackingAttempts     int
	CompensationAttempts int
	CompensationBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TrackingAttempts:     5,
		CompensationAttempts: 5,
		CompensationBackoff:  50 * time.Millisecond,
	}
}

type Coordinator struct {
	wallet Wallet
	orders Orders
	pricer Pricer
	cfg    Config
	logger *zap.SugaredLogger
	sleep  func(time.Duration)
}

func NewCoordinator(wallet Wallet, orders Orders, pricer Pricer, cfg Config, logger *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.TrackingAttempts <= 0 {
		cfg.TrackingAttempts = def.TrackingAttempts
	}
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = def.CompensationAttempts
	}
	if cfg.CompensationBackoff < 0 {
		cfg.CompensationBackoff = 0
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Coordinator{
		wallet: wallet,
		orders: orders,
		pricer: pricer,
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// CreateOrderWithPayment prices the package, debits the customer and creates
// the order. If the order cannot be created after the debit committed, the
// debit is reversed with a REFUND before the error is returned.
func (c *Coordinator) CreateOrderWithPayment(ctx context.Context, customerID string, pkg model.PackageDetails) (order model.Order, err error) {
	ctx, span := tracer.Start(ctx, "payment.CreateOrderWithPayment", trace.WithAttributes(
		attribute.String("customer.id", customerID),
	))
	defer func() {
		metrics.PaymentFlows.WithLabelValues("create", flowResult(err)).Inc()
		endSpan(span, err)
	}()

	cost, err := c.pricer.PricePackage(pkg)
	if err != nil {
		return model.Order{}, err
	}
	span.SetAttributes(attribute.String("order.total", cost.Total.String()))

	orderID := orders.NewID()
	span.SetAttributes(attribute.String("order.id", orderID))

	debit, err := c.wallet.Debit(ctx, customerID, cost.Total, paymentDescription, orderID)
	if err != nil {
		return model.Order{}, err
	}

	order, err = c.createOrder(ctx, orders.NewOrder{
		ID:                   orderID,
		CustomerID:           customerID,
		Cost:                 cost,
		Package:              pkg,
		PaymentTransactionID: debit.ID,
	})
	if err != nil {
		c.logger.Warnw("order creation failed after debit, reversing payment",
			"customer_id", customerID, "order_id", orderID, "transaction_id", debit.ID, "amount", debit.Amount.String(), "error", err)

		if _, compErr := c.refund(ctx, customerID, orderID, debit.Amount, reversalDescription); compErr != nil {
			return model.Order{}, errors.Join(compErr, err)
		}
		return model.Order{}, fmt.Errorf("create order: %w", err)
	}

	c.logger.Infow("order paid", "customer_id", customerID, "order_id", order.ID, "transaction_id", debit.ID, "tracking_number", order.TrackingNumber)
	return order, nil
}

// CancelOrderWithRefund cancels the order and credits its total back as a
// REFUND. An order that is not cancellable has no wallet effect.
func (c *Coordinator) CancelOrderWithRefund(ctx context.Context, orderID string) (result model.Cancellation, err error) {
	ctx, span := tracer.Start(ctx, "payment.CancelOrderWithRefund", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer func() {
		metrics.PaymentFlows.WithLabelValues("cancel", flowResult(err)).Inc()
		endSpan(span, err)
	}()

	order, err := c.orders.Cancel(ctx, orderID)
	if err != nil {
		return model.Cancellation{}, err
	}
	result = model.Cancellation{Order: order, RefundedAmount: decimal.Zero}

	if order.PaymentTransactionID == "" {
		c.logger.Warnw("cancelled order has no payment, skipping refund", "order_id", order.ID, "customer_id", order.CustomerID)
		return result, nil
	}

	refund, err := c.refund(ctx, order.CustomerID, order.ID, order.Cost.Total, refundDescription)
	if err != nil {
		return model.Cancellation{}, err
	}
	result.Refund = refund
	result.RefundedAmount = order.Cost.Total

	c.logger.Infow("order cancelled and refunded", "order_id", order.ID, "customer_id", order.CustomerID, "amount", order.Cost.Total.String())
	return result, nil
}

func (c *Coordinator) createOrder(ctx context.Context, o orders.NewOrder) (model.Order, error) {
	var err error
	for attempt := 1; attempt <= c.cfg.TrackingAttempts; attempt++ {
		var order model.Order
		order, err = c.orders.Create(ctx, o)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, errs.ErrDuplicateTrackingNumber) {
			return model.Order{}, err
		}
		c.logger.Warnw("tracking number collision, regenerating", "order_id", o.ID, "attempt", attempt)
	}
	return model.Order{}, fmt.Errorf("tracking numbers exhausted after %d attempts: %w", c.cfg.TrackingAttempts, err)
}

// refund credits amount as a REFUND for orderID, detached from the caller's
// cancellation. Failed attempts are retried with exponential backoff and then
// recorded as a PENDING refund for the reconciler. A refund that already
// exists for the order counts as done and yields a nil transaction.
func (c *Coordinator) refund(ctx context.Context, customerID, orderID string, amount decimal.Decimal, description string) (*model.Transaction, error) {
	ctx = context.WithoutCancel(ctx)

	backoff := c.cfg.CompensationBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.CompensationAttempts; attempt++ {
		t, err := c.wallet.Credit(ctx, customerID, model.Refund, amount, description, orderID)
		if err == nil {
			metrics.Compensations.WithLabelValues("applied").Inc()
			return &t, nil
		}
		if errors.Is(err, errs.ErrAlreadyRefunded) {
			metrics.Compensations.WithLabelValues("applied").Inc()
			c.logger.Infow("refund already recorded", "order_id", orderID, "customer_id", customerID)
			return nil, nil
		}

		lastErr = err
		if errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrCustomerNotFound) {
			break
		}

		c.logger.Warnw("refund attempt failed", "order_id", orderID, "customer_id", customerID, "attempt", attempt, "error", err)
		if attempt < c.cfg.CompensationAttempts {
			c.sleep(backoff)
			backoff *= 2
		}
	}

	pending, err := c.wallet.RecordPending(ctx, customerID, model.Refund, amount, description, orderID)
	switch {
	case errors.Is(err, errs.ErrAlreadyRefunded):
		metrics.Compensations.WithLabelValues("applied").Inc()
		return nil, nil
	case err != nil:
		metrics.Compensations.WithLabelValues("lost").Inc()
		c.logger.Errorw("payment reconciliation required, refund could not be recorded",
			"order_id", orderID, "customer_id", customerID, "amount", amount.String(), "refund_error", lastErr, "record_error", err)
		return nil, fmt.Errorf("%w: order %s: refund of %s to customer %s not recorded: %v",
			errs.ErrPaymentReconciliationRequired, orderID, amount.String(), customerID, errors.Join(lastErr, err))
	}

	metrics.Compensations.WithLabelValues("pending").Inc()
	c.logger.Errorw("payment reconciliation required, refund recorded as pending",
		"order_id", orderID, "customer_id", customerID, "amount", amount.String(), "transaction_id", pending.ID, "error", lastErr)
	return nil, fmt.Errorf("%w: order %s: refund of %s to customer %s pending as transaction %s: %v",
		errs.ErrPaymentReconciliationRequired, orderID, amount.String(), customerID, pending.ID, lastErr)
}

func flowResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrPaymentReconciliationRequired):
		return "reconciliation_required"
	case errors.Is(err, errs.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, errs.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	default:
		return metrics.Result(err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
