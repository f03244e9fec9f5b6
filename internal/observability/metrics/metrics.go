package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics exposes the engine's prometheus instruments.
type Metrics struct {
	transactionsApplied  *prometheus.CounterVec
	transactionConflicts prometheus.Counter
	milestoneBonuses     prometheus.Counter
	sweepRuns            prometheus.Counter
	sweepItemFailures    prometheus.Counter
	sweepPointsExpired   prometheus.Counter
	sweepDuration        prometheus.Histogram
}

// New registers the instruments on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the instruments on a caller-supplied registerer; tests
// pass a fresh registry to avoid duplicate-registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transactionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loyara_ledger_transactions_total",
			Help: "Ledger transactions applied, by type.",
		}, []string{"type"}),
		transactionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyara_ledger_conflicts_total",
			Help: "Ledger applies rejected by the per-customer version check.",
		}),
		milestoneBonuses: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyara_ledger_milestone_bonuses_total",
			Help: "One-time tier milestone bonuses granted.",
		}),
		sweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyara_sweeper_runs_total",
			Help: "Expiry sweep runs started.",
		}),
		sweepItemFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyara_sweeper_item_failures_total",
			Help: "Customers skipped by a sweep after a per-item failure.",
		}),
		sweepPointsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyara_sweeper_points_expired_total",
			Help: "Points written off by expiry sweeps.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loyara_sweeper_run_duration_seconds",
			Help:    "Wall time of one expiry sweep run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncTransaction(transactionType string) {
	if m == nil {
		return
	}
	m.transactionsApplied.WithLabelValues(transactionType).Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.transactionConflicts.Inc()
}

func (m *Metrics) IncMilestoneBonus() {
	if m == nil {
		return
	}
	m.milestoneBonuses.Inc()
}

func (m *Metrics) IncSweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *Metrics) IncSweepItemFailure() {
	if m == nil {
		return
	}
	m.sweepItemFailures.Inc()
}

func (m *Metrics) AddSweepPointsExpired(points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.sweepPointsExpired.Add(float64(points))
}

func (m *Metrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
