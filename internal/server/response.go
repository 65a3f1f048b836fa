package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/model"
	"github.com/and161185/postwallet/internal/orders"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Balance       string `json:"balance,omitempty"`
	Required      string `json:"required,omitempty"`
	CurrentStatus string `json:"currentStatus,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *errs.InsufficientFundsError
	var transition *errs.TransitionError

	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:    "insufficient_funds",
			Message:  "wallet balance does not cover the order",
			Balance:  srv.money(insufficient.Balance),
			Required: srv.money(insufficient.Required),
		})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:         "invalid_transition",
			Message:       transition.Error(),
			CurrentStatus: transition.From,
			Reason:        transition.Reason,
		})
	case errors.Is(err, errs.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation_error", Message: err.Error()})
	case errors.Is(err, errs.ErrCustomerNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "customer_not_found", Message: "customer not found"})
	case errors.Is(err, errs.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "order_not_found", Message: "order not found"})
	case errors.Is(err, errs.ErrTransactionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "transaction_not_found", Message: "transaction not found"})
	case errors.Is(err, errs.ErrPaymentReconciliationRequired):
		srv.deps.Logger.Errorw("payment reconciliation required", "uri", r.RequestURI, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "payment_reconciliation_required",
			Message: "payment could not be settled automatically and was recorded for reconciliation",
		})
	case errors.Is(err, errs.ErrBusy), errors.Is(err, errs.ErrDuplicateTrackingNumber):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "busy", Message: "try again later"})
	case errors.Is(err, errs.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "access denied"})
	case errors.Is(err, errs.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "invalid token"})
	default:
		srv.deps.Logger.Errorw("request failed", "uri", r.RequestURI, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: message})
}

func (srv *Server) money(d decimal.Decimal) string {
	return d.StringFixed(srv.config.Pricing.MinorUnits)
}

type costView struct {
	BasePrice           string `json:"basePrice"`
	WeightCharge        string `json:"weightCharge"`
	InsuranceCharge     string `json:"insuranceCharge"`
	InternationalCharge string `json:"internationalCharge"`
	Total               string `json:"total"`
}

type eventView struct {
	From       model.OrderStatus `json:"from,omitempty"`
	To         model.OrderStatus `json:"to"`
	OccurredAt time.Time         `json:"occurredAt"`
}

type orderView struct {
	OrderID               string            `json:"orderId"`
	CustomerID            string            `json:"customerId"`
	TrackingNumber        string            `json:"trackingNumber"`
	Status                model.OrderStatus `json:"status"`
	Progress              int               `json:"progress"`
	Cost                  costView          `json:"cost"`
	International         bool              `json:"international"`
	PaymentTransactionID  string            `json:"paymentTransactionId,omitempty"`
	EstimatedDeliveryDate string            `json:"estimatedDeliveryDate"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
	History               []eventView       `json:"history,omitempty"`
}

func (srv *Server) orderView(o model.Order, events []model.OrderEvent) orderView {
	v := orderView{
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		TrackingNumber: o.TrackingNumber,
		Status:         o.Status,
		Progress:       orders.Progress(o.Status),
		Cost: costView{
			BasePrice:           srv.money(o.Cost.BasePrice),
			WeightCharge:        srv.money(o.Cost.WeightCharge),
			InsuranceCharge:     srv.money(o.Cost.InsuranceCharge),
			InternationalCharge: srv.money(o.Cost.InternationalCharge),
			Total:               srv.money(o.Cost.Total),
		},
		International:         o.Package.International,
		PaymentTransactionID:  o.PaymentTransactionID,
		EstimatedDeliveryDate: o.EstimatedDeliveryDate.Format(dateLayout),
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
	for _, e := range events {
		v.History = append(v.History, eventView{From: e.From, To: e.To, OccurredAt: e.OccurredAt})
	}
	return v
}

type transactionView struct {
	ID             string                  `json:"id"`
	Seq            int64                   `json:"seq"`
	CustomerID     string                  `json:"customerId"`
	Kind           model.TransactionKind   `json:"kind"`
	Amount         string                  `json:"amount"`
	BalanceAfter   *string                 `json:"balanceAfter"`
	Description    string                  `json:"description,omitempty"`
	RelatedOrderID string                  `json:"relatedOrderId,omitempty"`
	Status         model.TransactionStatus `json:"status"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

func (srv *Server) transactionViews(list []model.Transaction) []transactionView {
	views := make([]transactionView, 0, len(list))
	for _, t := range list {
		v := transactionView{
			ID:             t.ID,
			Seq:            t.Seq,
			CustomerID:     t.CustomerID,
			Kind:           t.Kind,
			Amount:         srv.money(t.Amount),
			Description:    t.Description,
			RelatedOrderID: t.RelatedOrderID,
			Status:         t.Status,
			CreatedAt:      t.CreatedAt,
			UpdatedAt:      t.UpdatedAt,
		}
		if t.BalanceAfter.Valid {
			after := srv.money(t.BalanceAfter.Decimal)
			v.BalanceAfter = &after
		}
		views = append(views, v)
	}
	return views
}
