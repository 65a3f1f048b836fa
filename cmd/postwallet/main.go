package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/and161185/postwallet/internal/config"
	"github.com/and161185/postwallet/internal/deps"
	"github.com/and161185/postwallet/internal/ledger"
	"github.com/and161185/postwallet/internal/orders"
	"github.com/and161185/postwallet/internal/payment"
	"github.com/and161185/postwallet/internal/pricing"
	"github.com/and161185/postwallet/internal/server"
	"github.com/and161185/postwallet/internal/storage"
	"github.com/and161185/postwallet/internal/tracking"
	"go.uber.org/zap"
)

type store interface {
	ledger.Store
	orders.Store
	payment.Journal
	Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := config.NewConfig()
	if err != nil {
		zap.Must(zap.NewProduction()).Sugar().Fatal(err)
	}
	defer config.Logger.Sync()

	deps := deps.NewDependencies(config)

	var st store
	if config.DatabaseURI == "" {
		config.Logger.Warn("no database configured, state is kept in memory")
		st = storage.NewMemoryStorage()
	} else {
		pg, err := storage.NewPostgreStorage(ctx, config.DatabaseURI)
		if err != nil {
			config.Logger.Fatal(err)
		}
		st = pg
	}
	defer st.Close()

	wallet := ledger.New(st, config.Ledger, config.Logger)
	machine := orders.NewMachine(st, tracking.NewGenerator(), config.Delivery, config.Logger)
	coordinator := payment.NewCoordinator(wallet, machine, pricing.NewCalculator(config.Pricing), config.Payment, config.Logger)

	recovery := payment.NewRecovery(st, wallet, config.Logger)

	srv := server.NewServer(wallet, machine, coordinator, recovery, config, deps)
	if err := srv.Run(ctx); err != nil {
		config.Logger.Fatal(err)
	}
}
