// Package metrics declares the Prometheus collectors of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walletd"

var (
	BroadcastAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "broadcast_attempts_total",
			Help:      "Broadcast attempts by currency and result (ok, known, retry, rejected).",
		},
		[]string{"currency", "result"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by cache name and result (hit, remote_hit, miss).",
		},
		[]string{"cache", "result"},
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of node and indexer requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "result"},
	)

	CrawlerBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "blocks_total",
			Help:      "Blocks crawled per platform.",
		},
		[]string{"platform"},
	)

	CrawlerTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "transactions_total",
			Help:      "Transactions handed to the crawl callback per platform.",
		},
		[]string{"platform"},
	)

	CrawlerCursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "cursor_block",
			Help:      "Last fully processed block per platform.",
		},
		[]string{"platform"},
	)

	CrawlerOverruns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "processing_overruns_total",
			Help:      "Ticks that exceeded the soft processing timeout.",
		},
		[]string{"platform"},
	)

	WorkerTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one worker tick.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"worker"},
	)

	WorkerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Failed worker ticks.",
		},
		[]string{"worker"},
	)

	CollectorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "outcomes_total",
			Help:      "Collection attempts by currency and outcome.",
		},
		[]string{"currency", "outcome"},
	)

	WithdrawalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "outcomes_total",
			Help:      "Withdrawal pipeline steps by currency and outcome.",
		},
		[]string{"currency", "outcome"},
	)

	DepositsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposit",
			Name:      "ingested_total",
			Help:      "New deposit rows per currency.",
		},
		[]string{"currency"},
	)
)
