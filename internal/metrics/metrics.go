// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "postwallet",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Wallet ledger operations by operation and result.",
}, []string{"operation", "result"})

var LedgerLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "postwallet",
	Subsystem: "ledger",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting for the per-customer critical section.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
})

var OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "postwallet",
	Subsystem: "orders",
	Name:      "transitions_total",
	Help:      "Order status transitions by target status.",
}, []string{"status"})

var PaymentFlows = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "postwallet",
	Subsystem: "payment",
	Name:      "flows_total",
	Help:      "Payment coordinator flows by flow and result.",
}, []string{"flow", "result"})

var Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "postwallet",
	Subsystem: "payment",
	Name:      "compensations_total",
	Help:      "Compensating refunds by result (applied, pending, lost, recovered).",
}, []string{"result"})

var PendingReconciliations = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "postwallet",
	Subsystem: "reconciler",
	Name:      "pending_transactions",
	Help:      "Pending ledger records seen on the last reconciliation poll.",
})

// Result maps an error onto a low-cardinality label value.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
