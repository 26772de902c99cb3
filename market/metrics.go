package market

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "market"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of bids submitted to the coordinator.
	BidsSubmitted metrics.Counter
	// Number of bids rejected, labelled by the failing validation stage.
	BidsRejected metrics.Counter
	// Number of matches created, by the coordinator or an auction.
	MatchesCreated metrics.Counter
	// Number of executed transactions.
	TransactionsExecuted metrics.Counter
	BidsExpired          metrics.Counter
	BidsCancelled        metrics.Counter
	// Histogram of execution prices.
	TransactionPrice metrics.Histogram
	// Number of PENDING or ACTIVE bids.
	ActiveBids metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BidsSubmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_submitted",
			Help:      "Number of bids submitted.",
		}, []string{}),
		BidsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_rejected",
			Help:      "Number of bids rejected.",
		}, []string{"stage"}),
		MatchesCreated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "matches_created",
			Help:      "Number of matches created.",
		}, []string{}),
		TransactionsExecuted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transactions_executed",
			Help:      "Number of executed transactions.",
		}, []string{}),
		BidsExpired: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_expired",
			Help:      "Number of bids expired by sweeps or auction close.",
		}, []string{}),
		BidsCancelled: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_cancelled",
			Help:      "Number of bids cancelled by their owner.",
		}, []string{}),
		TransactionPrice: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transaction_price",
			Help:      "Execution price of transactions.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 4, 12),
		}, []string{}),
		ActiveBids: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_bids",
			Help:      "Number of bids that are pending or active.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BidsSubmitted:        discard.NewCounter(),
		BidsRejected:         discard.NewCounter(),
		MatchesCreated:       discard.NewCounter(),
		TransactionsExecuted: discard.NewCounter(),
		BidsExpired:          discard.NewCounter(),
		BidsCancelled:        discard.NewCounter(),
		TransactionPrice:     discard.NewHistogram(),
		ActiveBids:           discard.NewGauge(),
	}
}
