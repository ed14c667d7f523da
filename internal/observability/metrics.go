package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the settlement service.
type Metrics struct {
	// --- Settlement ---
	SettlementsApplied  *prometheus.CounterVec   // kind
	SettlementsRejected *prometheus.CounterVec   // kind, reason
	SettleDuration      *prometheus.HistogramVec // kind
	SettlementNoOps     prometheus.Counter
	JournalsWritten     *prometheus.CounterVec // journal_type

	// --- Value flows ---
	FeesCollected     *prometheus.CounterVec // market
	GasCharged        *prometheus.CounterVec // market
	InsurancePremium  *prometheus.CounterVec // market
	InsuranceCoverage *prometheus.CounterVec // market
	FundingPaid       *prometheus.CounterVec // market

	// --- Ingestion & dedup ---
	IngestMessages        *prometheus.CounterVec // subject, outcome
	IdempotencyDuplicates *prometheus.CounterVec // tier
	DedupLRUSize          prometheus.Gauge
	FeedUpdates           *prometheus.CounterVec // feed, outcome
	PublishErrors         prometheus.Counter

	// --- Persistence ---
	CommitDuration prometheus.Histogram
	CommitErrors   prometheus.Counter

	// --- Admin ---
	ConfigUpdates *prometheus.CounterVec // market, command
}

// NewMetrics registers every metric with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SettlementsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlements_applied_total",
			Help: "Settlements committed, by trade kind.",
		}, []string{"kind"}),
		SettlementsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlements_rejected_total",
			Help: "Settlements rejected, by trade kind and error kind.",
		}, []string{"kind", "reason"}),
		SettleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_duration_seconds",
			Help:    "Wall time of one settle call including commit.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"kind"}),
		SettlementNoOps: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settlement_noops_total",
			Help: "Self-trades settled as no-ops.",
		}),
		JournalsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_journals_written_total",
			Help: "Journal entries committed, by type.",
		}, []string{"journal_type"}),

		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_fees_collected_total",
			Help: "Trading fees routed to the fee pool (quote units).",
		}, []string{"market"}),
		GasCharged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_gas_charged_total",
			Help: "Flat gas charges routed to the gas pool (quote units).",
		}, []string{"market"}),
		InsurancePremium: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_insurance_premium_total",
			Help: "Liquidation premium routed to the insurance pool (quote units).",
		}, []string{"market"}),
		InsuranceCoverage: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_insurance_coverage_total",
			Help: "Deficits covered by the insurance pool during ADL (quote units).",
		}, []string{"market"}),
		FundingPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_paid_total",
			Help: "Funding paid by positions on accrual (quote units).",
		}, []string{"market"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_messages_total",
			Help: "Inbound messages, by subject and outcome.",
		}, []string{"subject", "outcome"}),
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate trade ids detected, by dedup tier.",
		}, []string{"tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Entries in the trade id LRU.",
		}),
		FeedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_feed_updates_total",
			Help: "Mark price and funding index updates, by outcome.",
		}, []string{"feed", "outcome"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_errors_total",
			Help: "Outbound settlement events that failed to publish.",
		}),

		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_commit_duration_seconds",
			Help:    "Account store commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		CommitErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_commit_errors_total",
			Help: "Account store commits that failed.",
		}),

		ConfigUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_config_updates_total",
			Help: "Market config snapshots produced by admin commands.",
		}, []string{"market", "command"}),
	}
}

// AddWad adds a decimal amount to a counter. Counters are float64, so this is
// for dashboards only; balances of record live in the ledger.
func AddWad(c prometheus.Counter, amount interface{ InexactFloat64() float64 }) {
	if v := amount.InexactFloat64(); v > 0 {
		c.Add(v)
	}
}
