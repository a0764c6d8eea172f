package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the settlement backend's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	sharePurchases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deforger",
			Subsystem: "settlement",
			Name:      "share_purchases_total",
			Help:      "Share purchase attempts by outcome.",
		},
		[]string{"outcome"},
	)

	withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deforger",
			Subsystem: "settlement",
			Name:      "withdrawals_total",
			Help:      "Project fund withdrawals by outcome.",
		},
		[]string{"outcome"},
	)

	ledgerCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deforger",
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Duration of ledger gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"operation", "outcome"},
	)

	unsettledDeposits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deforger",
			Subsystem: "settlement",
			Name:      "unsettled_deposit_e8s",
			Help:      "Ledger balance of a project account above its last observed balance.",
		},
		[]string{"project_id"},
	)

	discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deforger",
			Subsystem: "reconciliation",
			Name:      "discrepancies_total",
			Help:      "Stored project state that disagrees with itself or with the ledger.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		sharePurchases,
		withdrawals,
		ledgerCalls,
		unsettledDeposits,
		discrepancies,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordPurchase counts a share purchase attempt.
func RecordPurchase(outcome string) {
	sharePurchases.WithLabelValues(outcome).Inc()
}

// RecordWithdrawal counts a withdrawal attempt.
func RecordWithdrawal(outcome string) {
	withdrawals.WithLabelValues(outcome).Inc()
}

// ObserveLedgerCall records the latency of one ledger gateway call.
func ObserveLedgerCall(operation, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	ledgerCalls.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// SetUnsettledDeposit publishes the part of a project's balance no purchase has claimed yet.
func SetUnsettledDeposit(projectID uint64, amount uint64) {
	unsettledDeposits.WithLabelValues(strconv.FormatUint(projectID, 10)).Set(float64(amount))
}

// RecordDiscrepancy counts one reconciliation finding.
func RecordDiscrepancy(kind string) {
	discrepancies.WithLabelValues(kind).Inc()
}
