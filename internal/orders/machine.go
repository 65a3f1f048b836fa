// Package orders drives a shipment order through its delivery lifecycle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/metrics"
	"github.com/and161185/postwallet/internal/model"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	IDPrefix = "ord_"

	casAttempts = 5
)

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.Pending:   {model.Confirmed, model.Cancelled},
	model.Confirmed: {model.InTransit, model.Cancelled},
	model.InTransit: {model.Delivered},
}

var cancellable = []model.OrderStatus{model.Pending, model.Confirmed}

var progress = map[model.OrderStatus]int{
	model.Pending:   10,
	model.Confirmed: 25,
	model.InTransit: 60,
	model.Delivered: 100,
	model.Cancelled: 0,
}

type Store interface {
	// InsertOrder stores a new order together with its initial status event.
	// A taken tracking number yields errs.ErrDuplicateTrackingNumber.
	InsertOrder(ctx context.Context, order model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	GetOrderByTrackingNumber(ctx context.Context, trackingNumber string) (model.Order, error)
	// UpdateOrderStatus moves the order from one status to another and records
	// the event. It fails with errs.ErrConflict if the order is not in from.
	UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error
	ListOrderEvents(ctx context.Context, id string) ([]model.OrderEvent, error)
}

type TrackingSource interface {
	Next() (string, error)
}

type Config struct {
	DomesticTransitDays      int
	InternationalTransitDays int
}

func DefaultConfig() Config {
	return Config{DomesticTransitDays: 3, InternationalTransitDays: 10}
}

type NewOrder struct {
	ID                   string
	CustomerID           string
	Cost                 model.CostBreakdown
	Package              model.PackageDetails
	PaymentTransactionID string
}

type Machine struct {
	store    Store
	tracking TrackingSource
	cfg      Config
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

func NewMachine(store Store, tracking TrackingSource, cfg Config, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Machine{
		store:    store,
		tracking: tracking,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
	}
}

// NewID reserves an order identifier before the order exists.
func NewID() string {
	return IDPrefix + ulid.Make().String()
}

// CanTransition reports whether target is directly reachable from current.
func CanTransition(current, target model.OrderStatus) bool {
	return slices.Contains(transitions[current], target)
}

func Cancellable(status model.OrderStatus) bool {
	return slices.Contains(cancellable, status)
}

// Progress maps a status onto a delivery progress percentage.
func Progress(status model.OrderStatus) int {
	return progress[status]
}

func Known(status model.OrderStatus) bool {
	_, ok := progress[status]
	return ok
}

// Create stores a PENDING order with a fresh tracking number linked to its
// funding transaction. A tracking number collision is returned as
// errs.ErrDuplicateTrackingNumber for the caller to retry.
func (m *Machine) Create(ctx context.Context, o NewOrder) (model.Order, error) {
	if o.CustomerID == "" {
		return model.Order{}, errs.Validationf("customer id required")
	}
	if o.ID == "" {
		o.ID = NewID()
	}

	trackingNumber, err := m.tracking.Next()
	if err != nil {
		return model.Order{}, fmt.Errorf("generate tracking number: %w", err)
	}

	now := m.clock().UTC()
	days := m.cfg.DomesticTransitDays
	if o.Package.International {
		days = m.cfg.InternationalTransitDays
	}
	eta := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)

	order := model.Order{
		ID:                    o.ID,
		CustomerID:            o.CustomerID,
		TrackingNumber:        trackingNumber,
		Status:                model.Pending,
		Cost:                  o.Cost,
		Package:               o.Package,
		PaymentTransactionID:  o.PaymentTransactionID,
		CreatedAt:             now,
		UpdatedAt:             now,
		EstimatedDeliveryDate: eta,
	}

	if err := m.store.InsertOrder(ctx, order); err != nil {
		return model.Order{}, err
	}
	metrics.OrderTransitions.WithLabelValues(string(model.Pending)).Inc()

	m.logger.Infow("order created", "order_id", order.ID, "customer_id", order.CustomerID, "tracking_number", order.TrackingNumber)
	return order, nil
}

func (m *Machine) Get(ctx context.Context, id string) (model.Order, error) {
	return m.store.GetOrder(ctx, id)
}

func (m *Machine) GetByTrackingNumber(ctx context.Context, trackingNumber string) (model.Order, error) {
	return m.store.GetOrderByTrackingNumber(ctx, trackingNumber)
}

func (m *Machine) Events(ctx context.Context, id string) ([]model.OrderEvent, error) {
	return m.store.ListOrderEvents(ctx, id)
}

// Transition moves the order to target. Re-applying the current status is a
// no-op success.
func (m *Machine) Transition(ctx context.Context, id string, target model.OrderStatus) (model.Order, error) {
	if !Known(target) {
		return model.Order{}, errs.Validationf("unknown order status %q", target)
	}

	return m.apply(ctx, id, target, true, func(order model.Order) error {
		if CanTransition(order.Status, target) {
			return nil
		}
		return &errs.TransitionError{
			OrderID: order.ID,
			From:    string(order.Status),
			To:      string(target),
			Reason:  transitionReason(order.Status, target),
		}
	})
}

// Cancel marks a PENDING or CONFIRMED order CANCELLED. It does not touch the
// wallet. Cancelling an already cancelled order is an error so that a refund
// is never issued twice.
func (m *Machine) Cancel(ctx context.Context, id string) (model.Order, error) {
	return m.apply(ctx, id, model.Cancelled, false, func(order model.Order) error {
		if Cancellable(order.Status) {
			return nil
		}
		reason := fmt.Sprintf("order is %s; only %s or %s orders can be cancelled", order.Status, model.Pending, model.Confirmed)
		if order.Status == model.Cancelled {
			reason = "order is already cancelled"
		}
		return &errs.TransitionError{
			OrderID: order.ID,
			From:    string(order.Status),
			To:      string(model.Cancelled),
			Reason:  reason,
		}
	})
}

func (m *Machine) apply(ctx context.Context, id string, target model.OrderStatus, idempotent bool, check func(model.Order) error) (model.Order, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := m.store.GetOrder(ctx, id)
		if err != nil {
			return model.Order{}, err
		}

		if idempotent && order.Status == target {
			return order, nil
		}
		if err := check(order); err != nil {
			return model.Order{}, err
		}

		now := m.clock().UTC()
		err = m.store.UpdateOrderStatus(ctx, id, order.Status, target, now)
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return model.Order{}, fmt.Errorf("update order status: %w", err)
		}

		metrics.OrderTransitions.WithLabelValues(string(target)).Inc()
		m.logger.Infow("order status changed", "order_id", id, "from", order.Status, "to", target)

		order.Status = target
		order.UpdatedAt = now
		return order, nil
	}
	return model.Order{}, fmt.Errorf("%w: order %s changed concurrently", errs.ErrBusy, id)
}

func transitionReason(current, target model.OrderStatus) string {
	switch {
	case current == model.Cancelled || current == model.Delivered:
		return fmt.Sprintf("order is %s, which is final", current)
	case target == model.Cancelled:
		return fmt.Sprintf("order is %s; only %s or %s orders can be cancelled", current, model.Pending, model.Confirmed)
	default:
		return fmt.Sprintf("%s cannot follow %s", target, current)
	}
}
