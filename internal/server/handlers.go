package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/and161185/postwallet/internal/auth"
	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/middleware"
	"github.com/and161185/postwallet/internal/model"
	"github.com/and161185/postwallet/internal/tracking"
	"github.com/go-chi/chi/v5"
)

const topUpDescription = "wallet top-up"

func (srv *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		srv.writeError(w, r, errs.ErrInvalidToken)
		return auth.Principal{}, false
	}
	return p, true
}

// authorize resolves the caller and checks it may act on customerID.
func (srv *Server) authorize(w http.ResponseWriter, r *http.Request, customerID string) bool {
	p, ok := srv.principal(w, r)
	if !ok {
		return false
	}
	if !p.CanAccess(customerID) {
		srv.writeError(w, r, errs.ErrForbidden)
		return false
	}
	return true
}

func (srv *Server) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.principal(w, r)
	if !ok {
		return
	}

	var req model.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed order request")
		return
	}

	order, err := srv.payments.CreateOrderWithPayment(r.Context(), p.CustomerID, req.PackageDetails())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		TrackingNumber string `json:"trackingNumber"`
		OrderID        string `json:"orderId"`
		TotalCharged   string `json:"totalCharged"`
	}{
		TrackingNumber: order.TrackingNumber,
		OrderID:        order.ID,
		TotalCharged:   srv.money(order.Cost.Total),
	})
}

func (srv *Server) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	order, err := srv.orders.Get(r.Context(), orderID)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if !srv.authorize(w, r, order.CustomerID) {
		return
	}

	cancellation, err := srv.payments.CancelOrderWithRefund(r.Context(), orderID)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		OrderID        string            `json:"orderId"`
		Status         model.OrderStatus `json:"status"`
		RefundedAmount string            `json:"refundedAmount"`
	}{
		OrderID:        cancellation.Order.ID,
		Status:         cancellation.Order.Status,
		RefundedAmount: srv.money(cancellation.RefundedAmount),
	})
}

func (srv *Server) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	trackingNumber := strings.ToUpper(chi.URLParam(r, "id"))
	if !tracking.Valid(trackingNumber) {
		srv.writeError(w, r, errs.ErrOrderNotFound)
		return
	}

	order, err := srv.orders.GetByTrackingNumber(r.Context(), trackingNumber)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if !srv.authorize(w, r, order.CustomerID) {
		return
	}

	events, err := srv.orders.Events(r.Context(), order.ID)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, srv.orderView(order, events))
}

func (srv *Server) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req model.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed status request")
		return
	}
	if req.Status == model.Cancelled {
		srv.writeError(w, r, errs.Validationf("use /orders/%s/cancel to cancel an order", orderID))
		return
	}

	order, err := srv.orders.Transition(r.Context(), orderID, req.Status)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, srv.orderView(order, nil))
}

func (srv *Server) OpenWalletHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")
	if !srv.authorize(w, r, customerID) {
		return
	}

	created, err := srv.wallet.OpenWallet(r.Context(), customerID)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	balance, err := srv.wallet.BalanceOf(r.Context(), customerID)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, struct {
		CustomerID string `json:"customerId"`
		Balance    string `json:"balance"`
	}{customerID, srv.money(balance)})
}

func (srv *Server) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")
	if !srv.authorize(w, r, customerID) {
		return
	}

	balance, err := srv.wallet.BalanceOf(r.Context(), customerID)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Balance string `json:"balance"`
	}{srv.money(balance)})
}

func (srv *Server) TopUpHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")
	if !srv.authorize(w, r, customerID) {
		return
	}

	var req model.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed top-up request")
		return
	}

	t, err := srv.wallet.Credit(r.Context(), customerID, model.Credit, req.Amount, topUpDescription, "")
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		NewBalance    string `json:"newBalance"`
		TransactionID string `json:"transactionId"`
	}{srv.money(t.BalanceAfter.Decimal), t.ID})
}

func (srv *Server) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")
	if !srv.authorize(w, r, customerID) {
		return
	}

	q, err := parseTransactionQuery(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	page, err := srv.wallet.Page(r.Context(), customerID, q, r.URL.Query().Get("cursor"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Transactions []transactionView `json:"transactions"`
		NextCursor   string            `json:"nextCursor,omitempty"`
	}{srv.transactionViews(page.Transactions), page.NextCursor})
}

func (srv *Server) GetPendingHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			srv.writeError(w, r, errs.Validationf("limit must be a positive integer"))
			return
		}
		limit = n
	}

	list, err := srv.wallet.PendingTransactions(r.Context(), limit)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Transactions []transactionView `json:"transactions"`
	}{srv.transactionViews(list)})
}

func parseTransactionQuery(r *http.Request) (model.TransactionQuery, error) {
	values := r.URL.Query()
	var q model.TransactionQuery

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errs.Validationf("limit must be a positive integer")
		}
		q.Limit = n
	}

	switch kind := model.TransactionKind(strings.ToUpper(values.Get("kind"))); kind {
	case "", model.Credit, model.Debit, model.Refund:
		q.Kind = kind
	default:
		return q, errs.Validationf("unknown transaction kind %q", values.Get("kind"))
	}

	switch status := model.TransactionStatus(strings.ToUpper(values.Get("status"))); status {
	case "", model.TxPending, model.TxCompleted, model.TxFailed:
		q.Status = status
	default:
		return q, errs.Validationf("unknown transaction status %q", values.Get("status"))
	}

	switch strings.ToLower(values.Get("order")) {
	case "", "desc":
	case "asc":
		q.Ascending = true
	default:
		return q, errs.Validationf("order must be asc or desc")
	}

	return q, nil
}
