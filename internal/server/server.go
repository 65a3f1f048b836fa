package server

//go:generate mockgen -source=server.go -destination=../mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/and161185/postwallet/internal/config"
	"github.com/and161185/postwallet/internal/deps"
	"github.com/and161185/postwallet/internal/middleware"
	"github.com/and161185/postwallet/internal/model"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type Wallet interface {
	OpenWallet(ctx context.Context, customerID string) (bool, error)
	BalanceOf(ctx context.Context, customerID string) (decimal.Decimal, error)
	Credit(ctx context.Context, customerID string, kind model.TransactionKind, amount decimal.Decimal, description, relatedOrderID string) (model.Transaction, error)
	Page(ctx context.Context, customerID string, q model.TransactionQuery, token string) (model.TransactionPage, error)
	PendingTransactions(ctx context.Context, limit int) ([]model.Transaction, error)
	Settle(ctx context.Context, transactionID string) (model.Transaction, error)
}

type Orders interface {
	Get(ctx context.Context, id string) (model.Order, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (model.Order, error)
	Transition(ctx context.Context, id string, target model.OrderStatus) (model.Order, error)
	Events(ctx context.Context, id string) ([]model.OrderEvent, error)
}

type Payments interface {
	CreateOrderWithPayment(ctx context.Context, customerID string, pkg model.PackageDetails) (model.Order, error)
	CancelOrderWithRefund(ctx context.Context, orderID string) (model.Cancellation, error)
}

// Recoverer refunds payments whose saga stopped before settling.
type Recoverer interface {
	Sweep(ctx context.Context, grace time.Duration, limit int) (int, error)
}

type Server struct {
	wallet   Wallet
	orders   Orders
	payments Payments
	recovery Recoverer
	config   *config.Config
	deps     *deps.Deps
}

func NewServer(wallet Wallet, orders Orders, payments Payments, recovery Recoverer, config *config.Config, deps *deps.Deps) *Server {
	return &Server{
		wallet:   wallet,
		orders:   orders,
		payments: payments,
		recovery: recovery,
		config:   config,
		deps:     deps,
	}
}

func (srv *Server) buildRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.Recoverer)
	router.Use(middleware.DecompressMiddleware)
	router.Use(middleware.LogMiddleware(srv.deps.Logger))
	router.Use(middleware.CompressMiddleware(srv.deps.Logger))

	router.Handle("/metrics", promhttp.Handler())

	// authenticated routes
	router.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(srv.deps.TokenManager))

		r.Post("/orders", srv.CreateOrderHandler)
		r.Get("/orders/{id}", srv.GetOrderHandler)
		r.Post("/orders/{id}/cancel", srv.CancelOrderHandler)

		r.Put("/wallet/{customerId}", srv.OpenWalletHandler)
		r.Get("/wallet/{customerId}", srv.GetBalanceHandler)
		r.Post("/wallet/{customerId}/topup", srv.TopUpHandler)
		r.Get("/wallet/{customerId}/transactions", srv.GetTransactionsHandler)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireStaff)

			r.Post("/orders/{id}/status", srv.UpdateStatusHandler)
			r.Get("/reconciliation/pending", srv.GetPendingHandler)
		})
	})

	return router
}

func (srv *Server) Run(ctx context.Context) error {
	router := srv.buildRouter()

	server := &http.Server{
		Addr:              srv.config.RunAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.deps.Logger.Infof("listening on %s", srv.config.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		srv.ReconciliationControl(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
