package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tipbot"

var (
	RateLimitBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"service", "route", "reason"},
	)

	CBRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_reject_total",
			Help:      "Chain calls rejected by an open breaker.",
		},
		[]string{"coin", "method"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state per coin (0 closed, 1 half-open, 2 open).",
		},
		[]string{"coin"},
	)

	ChainCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_duration_seconds",
			Help:      "Coin daemon RPC latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"coin", "method", "status"},
	)

	ChainHeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Latest height reported by the coin daemon.",
		},
		[]string{"coin"},
	)

	SyncedHeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synced_height",
			Help:      "Persisted block-walk watermark.",
		},
		[]string{"coin"},
	)

	BlocksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "Blocks walked by the chain monitor.",
		},
		[]string{"coin"},
	)

	DepositsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Deposit rows created or confirmed.",
		},
		[]string{"coin", "status"},
	)

	LedgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_ops_total",
			Help:      "Ledger mutations by kind and result.",
		},
		[]string{"coin", "kind", "result"},
	)

	// ReconcileClamped 对账结果为负被截成 0 的次数，不为 0 就该查账
	ReconcileClamped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_clamped_total",
			Help:      "Balance re-derivations whose on-chain plus internal net went negative.",
		},
		[]string{"coin"},
	)

	CampaignOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_outcomes_total",
			Help:      "Finished campaigns by final status and reason.",
		},
		[]string{"status", "reason"},
	)

	NotifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Notifications that could not be delivered.",
		},
		[]string{"sink", "kind"},
	)
)

var registerOnce sync.Once

// MustRegister 可以重复调用，只注册一次
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RateLimitBlockTotal, CBRejectTotal, CBState,
			ChainCallDuration, ChainHeight, SyncedHeight, BlocksProcessed, DepositsDetected,
			LedgerOps, ReconcileClamped, CampaignOutcomes, NotifyFailures,
		)
	})
}
