package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/and161185/postwallet/internal/auth"
	"github.com/and161185/postwallet/internal/config"
	"github.com/and161185/postwallet/internal/deps"
	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/mocks"
	"github.com/and161185/postwallet/internal/model"
	"github.com/and161185/postwallet/internal/tracking"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	srv      *Server
	router   http.Handler
	wallet   *mocks.MockWallet
	orders   *mocks.MockOrders
	payments *mocks.MockPayments
	recovery *mocks.MockRecoverer
	tokens   *auth.TokenManager
}

func setup(t *testing.T) *testServer {
	t.Helper()

	ctrl := gomock.NewController(t)
	ts := &testServer{
		wallet:   mocks.NewMockWallet(ctrl),
		orders:   mocks.NewMockOrders(ctrl),
		payments: mocks.NewMockPayments(ctrl),
		recovery: mocks.NewMockRecoverer(ctrl),
		tokens:   auth.NewTokenManager("testsecret"),
	}

	cfg := config.Default()
	deps := &deps.Deps{
		TokenManager: ts.tokens,
		Logger:       zaptest.NewLogger(t).Sugar(),
	}

	ts.srv = NewServer(ts.wallet, ts.orders, ts.payments, ts.recovery, cfg, deps)
	ts.router = ts.srv.buildRouter()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, p *auth.Principal, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		token, err := ts.tokens.GenerateToken(*p)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	customer = &auth.Principal{CustomerID: "c1", Role: auth.RoleCustomer}
	stranger = &auth.Principal{CustomerID: "c2", Role: auth.RoleCustomer}
	staff    = &auth.Principal{CustomerID: "ops", Role: auth.RoleStaff}
)

var sampleTracking = func() string {
	tn, err := tracking.NewGenerator().Next()
	if err != nil {
		panic(err)
	}
	return tn
}()

func sampleOrder() model.Order {
	return model.Order{
		ID:             "ord_01J",
		CustomerID:     "c1",
		TrackingNumber: sampleTracking,
		Status:         model.Pending,
		Cost: model.CostBreakdown{
			BasePrice:    d("250"),
			WeightCharge: d("300"),
			Total:        d("550"),
		},
		PaymentTransactionID:  "tx-1",
		EstimatedDeliveryDate: time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
	}
}

const orderPayload = `{"weightKg":"6","dimensions":{"lengthCm":40,"widthCm":30,"heightCm":20},"declaredValue":"0","international":false,"pickupAddressId":"a1","deliveryAddressId":"a2"}`

func TestUnauthenticatedRequest(t *testing.T) {
	ts := setup(t)

	w := ts.do(t, http.MethodGet, "/wallet/c1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	ts := setup(t)

	w := ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrderHandler(t *testing.T) {
	ts := setup(t)

	ts.payments.EXPECT().
		CreateOrderWithPayment(gomock.Any(), "c1", gomock.Any()).
		DoAndReturn(func(_ any, _ string, pkg model.PackageDetails) (model.Order, error) {
			assert.True(t, pkg.WeightKg.Equal(d("6")))
			assert.True(t, pkg.Dimensions.LengthCm.Equal(d("40")))
			assert.Equal(t, "a2", pkg.DeliveryAddressID)
			return sampleOrder(), nil
		})

	w := ts.do(t, http.MethodPost, "/orders", customer, orderPayload)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, sampleTracking, body["trackingNumber"])
	assert.Equal(t, "ord_01J", body["orderId"])
	assert.Equal(t, "550.00", body["totalCharged"])
}

func TestCreateOrderHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "insufficient funds",
			payload:    orderPayload,
			err:        &errs.InsufficientFundsError{Balance: d("100"), Required: d("150")},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "insufficient_funds",
		},
		{
			name:       "validation",
			payload:    orderPayload,
			err:        errs.Validationf("weight must be positive"),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "validation_error",
		},
		{
			name:       "busy",
			payload:    orderPayload,
			err:        fmt.Errorf("%w: customer c1", errs.ErrBusy),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "busy",
		},
		{
			name:       "reconciliation",
			payload:    orderPayload,
			err:        errors.Join(fmt.Errorf("%w: order ord_1", errs.ErrPaymentReconciliationRequired), errors.New("disk full")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "payment_reconciliation_required",
		},
		{
			name:       "malformed",
			payload:    `{"weightKg":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setup(t)
			if tt.err != nil {
				ts.payments.EXPECT().
					CreateOrderWithPayment(gomock.Any(), "c1", gomock.Any()).
					Return(model.Order{}, tt.err)
			}

			w := ts.do(t, http.MethodPost, "/orders", customer, tt.payload)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			body := decode(t, w)
			assert.Equal(t, tt.wantCode, body["error"])
			if tt.wantCode == "insufficient_funds" {
				assert.Equal(t, "100.00", body["balance"])
				assert.Equal(t, "150.00", body["required"])
			}
			if tt.wantCode == "busy" {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCancelOrderHandler(t *testing.T) {
	ts := setup(t)
	order := sampleOrder()

	ts.orders.EXPECT().Get(gomock.Any(), order.ID).Return(order, nil)

	cancelled := order
	cancelled.Status = model.Cancelled
	ts.payments.EXPECT().
		CancelOrderWithRefund(gomock.Any(), order.ID).
		Return(model.Cancellation{Order: cancelled, RefundedAmount: d("550")}, nil)

	w := ts.do(t, http.MethodPost, "/orders/"+order.ID+"/cancel", customer, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "CANCELLED", body["status"])
	assert.Equal(t, "550.00", body["refundedAmount"])
}

func TestCancelOrderHandler_NotCancellable(t *testing.T) {
	ts := setup(t)
	order := sampleOrder()

	ts.orders.EXPECT().Get(gomock.Any(), order.ID).Return(order, nil)
	ts.payments.EXPECT().
		CancelOrderWithRefund(gomock.Any(), order.ID).
		Return(model.Cancellation{}, &errs.TransitionError{OrderID: order.ID, From: "IN_TRANSIT", To: "CANCELLED", Reason: "order is IN_TRANSIT"})

	w := ts.do(t, http.MethodPost, "/orders/"+order.ID+"/cancel", customer, "")
	require.Equal(t, http.StatusConflict, w.Code)

	body := decode(t, w)
	assert.Equal(t, "invalid_transition", body["error"])
	assert.Equal(t, "IN_TRANSIT", body["currentStatus"])
	assert.Equal(t, "order is IN_TRANSIT", body["reason"])
}

func TestCancelOrderHandler_ForeignOrder(t *testing.T) {
	ts := setup(t)
	order := sampleOrder()

	ts.orders.EXPECT().Get(gomock.Any(), order.ID).Return(order, nil)

	w := ts.do(t, http.MethodPost, "/orders/"+order.ID+"/cancel", stranger, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCancelOrderHandler_NotFound(t *testing.T) {
	ts := setup(t)

	ts.orders.EXPECT().Get(gomock.Any(), "ord_missing").Return(model.Order{}, errs.ErrOrderNotFound)

	w := ts.do(t, http.MethodPost, "/orders/ord_missing/cancel", customer, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderHandler(t *testing.T) {
	ts := setup(t)
	order := sampleOrder()

	ts.orders.EXPECT().GetByTrackingNumber(gomock.Any(), order.TrackingNumber).Return(order, nil)
	ts.orders.EXPECT().Events(gomock.Any(), order.ID).Return([]model.OrderEvent{
		{OrderID: order.ID, To: model.Pending, OccurredAt: time.Now()},
	}, nil)

	w := ts.do(t, http.MethodGet, "/orders/"+strings.ToLower(order.TrackingNumber), customer, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, float64(10), body["progress"])
	assert.Equal(t, "2026-01-04", body["estimatedDeliveryDate"])
	cost := body["cost"].(map[string]any)
	assert.Equal(t, "550.00", cost["total"])
	assert.Equal(t, "0.00", cost["insuranceCharge"])
	assert.Len(t, body["history"], 1)
}

func TestGetOrderHandler_MalformedTrackingNumber(t *testing.T) {
	ts := setup(t)

	w := ts.do(t, http.MethodGet, "/orders/PW123", customer, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "order_not_found", decode(t, w)["error"])
}

func TestUpdateStatusHandler(t *testing.T) {
	order := sampleOrder()

	t.Run("customer is forbidden", func(t *testing.T) {
		ts := setup(t)
		w := ts.do(t, http.MethodPost, "/orders/"+order.ID+"/status", customer, `{"status":"CONFIRMED"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("cancel is refused", func(t *testing.T) {
		ts := setup(t)
		w := ts.do(t, http.MethodPost, "/orders/"+order.ID+"/status", staff, `{"status":"CANCELLED"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("staff confirms", func(t *testing.T) {
		ts := setup(t)
		confirmed := order
		confirmed.Status = model.Confirmed
		ts.orders.EXPECT().Transition(gomock.Any(), order.ID, model.Confirmed).Return(confirmed, nil)

		w := ts.do(t, http.MethodPost, "/orders/"+order.ID+"/status", staff, `{"status":"CONFIRMED"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "CONFIRMED", body["status"])
		assert.Equal(t, float64(25), body["progress"])
	})
}

func TestOpenWalletHandler(t *testing.T) {
	ts := setup(t)

	gomock.InOrder(
		ts.wallet.EXPECT().OpenWallet(gomock.Any(), "c1").Return(true, nil),
		ts.wallet.EXPECT().BalanceOf(gomock.Any(), "c1").Return(decimal.Zero, nil),
		ts.wallet.EXPECT().OpenWallet(gomock.Any(), "c1").Return(false, nil),
		ts.wallet.EXPECT().BalanceOf(gomock.Any(), "c1").Return(d("12.5"), nil),
	)

	w := ts.do(t, http.MethodPut, "/wallet/c1", customer, "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "0.00", decode(t, w)["balance"])

	w = ts.do(t, http.MethodPut, "/wallet/c1", customer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12.50", decode(t, w)["balance"])
}

func TestGetBalanceHandler(t *testing.T) {
	ts := setup(t)

	ts.wallet.EXPECT().BalanceOf(gomock.Any(), "c1").Return(d("450"), nil).Times(2)

	w := ts.do(t, http.MethodGet, "/wallet/c1", customer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "450.00", decode(t, w)["balance"])

	w = ts.do(t, http.MethodGet, "/wallet/c1", staff, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/wallet/c1", stranger, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetBalanceHandler_UnknownCustomer(t *testing.T) {
	ts := setup(t)

	ts.wallet.EXPECT().BalanceOf(gomock.Any(), "c2").Return(decimal.Decimal{}, errs.ErrCustomerNotFound)

	w := ts.do(t, http.MethodGet, "/wallet/c2", stranger, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "customer_not_found", decode(t, w)["error"])
}

func TestTopUpHandler(t *testing.T) {
	ts := setup(t)

	ts.wallet.EXPECT().
		Credit(gomock.Any(), "c1", model.Credit, gomock.Any(), topUpDescription, "").
		DoAndReturn(func(_ any, _ string, _ model.TransactionKind, amount decimal.Decimal, _, _ string) (model.Transaction, error) {
			assert.True(t, amount.Equal(d("1000")))
			return model.Transaction{ID: "tx-9", BalanceAfter: decimal.NewNullDecimal(d("1000"))}, nil
		})

	w := ts.do(t, http.MethodPost, "/wallet/c1/topup", customer, `{"amount":"1000.00"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "1000.00", body["newBalance"])
	assert.Equal(t, "tx-9", body["transactionId"])
}

func TestTopUpHandler_InvalidAmount(t *testing.T) {
	ts := setup(t)

	ts.wallet.EXPECT().
		Credit(gomock.Any(), "c1", model.Credit, gomock.Any(), gomock.Any(), "").
		Return(model.Transaction{}, errs.Validationf("amount must be positive"))

	w := ts.do(t, http.MethodPost, "/wallet/c1/topup", customer, `{"amount":"-5"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetTransactionsHandler(t *testing.T) {
	ts := setup(t)

	ts.wallet.EXPECT().
		Page(gomock.Any(), "c1", model.TransactionQuery{Limit: 2, Kind: model.Debit, Ascending: true}, "abc").
		Return(model.TransactionPage{
			Transactions: []model.Transaction{
				{ID: "tx-1", Seq: 2, Kind: model.Debit, Amount: d("550"), BalanceAfter: decimal.NewNullDecimal(d("450")), Status: model.TxCompleted},
				{ID: "tx-2", Seq: 3, Kind: model.Refund, Amount: d("550"), Status: model.TxPending},
			},
			NextCursor: "next",
		}, nil)

	w := ts.do(t, http.MethodGet, "/wallet/c1/transactions?limit=2&kind=debit&order=asc&cursor=abc", customer, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "next", body["nextCursor"])
	list := body["transactions"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, "550.00", first["amount"])
	assert.Equal(t, "450.00", first["balanceAfter"])
	assert.Nil(t, list[1].(map[string]any)["balanceAfter"])
}

func TestGetTransactionsHandler_BadQuery(t *testing.T) {
	ts := setup(t)

	for _, query := range []string{"limit=0", "limit=x", "kind=bonus", "status=lost", "order=sideways"} {
		w := ts.do(t, http.MethodGet, "/wallet/c1/transactions?"+query, customer, "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, query)
	}
}

func TestGetPendingHandler(t *testing.T) {
	ts := setup(t)

	ts.wallet.EXPECT().PendingTransactions(gomock.Any(), 10).Return([]model.Transaction{
		{ID: "tx-p", Kind: model.Refund, Amount: d("550"), Status: model.TxPending, RelatedOrderID: "ord_1"},
	}, nil)

	w := ts.do(t, http.MethodGet, "/reconciliation/pending?limit=10", customer, "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/reconciliation/pending?limit=10", staff, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode(t, w)["transactions"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "ord_1", list[0].(map[string]any)["relatedOrderId"])
}
