// Package metrics defines the Prometheus metrics exported by the settler.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settler.
type Metrics struct {
	// --- Watcher ---
	WatcherScans        *prometheus.CounterVec
	WatcherEvents       prometheus.Counter
	WatcherLastBlock    prometheus.Gauge
	WatcherTriggerDrops prometheus.Counter

	// --- Queue ---
	QueueDrained  prometheus.Counter
	QueueRequeued prometheus.Counter
	QueueDropped  *prometheus.CounterVec

	// --- Repository ---
	IntentsResolved *prometheus.CounterVec

	// --- Seeds ---
	SeedRequests *prometheus.CounterVec
	SeedWait     prometheus.Histogram

	// --- Settlement ---
	BatchOutcomes     *prometheus.CounterVec
	SettleDuration    prometheus.Histogram
	SettleAttempts    prometheus.Histogram
	SettledIntents    prometheus.Counter
	ClearingImbalance *prometheus.GaugeVec

	// --- Health ---
	Healthy       prometheus.Gauge
	SolverBalance prometheus.Gauge
	LedgerHead    prometheus.Gauge
}

// New creates all metrics and registers them with reg. A nil reg falls back to
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		WatcherScans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_watcher_scans_total",
			Help: "Watcher scans by result",
		}, []string{"result"}),
		WatcherEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_watcher_ready_events_total",
			Help: "IntentReady events found and enqueued",
		}),
		WatcherLastBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_watcher_checkpoint_block",
			Help: "Last block persisted as processed",
		}),
		WatcherTriggerDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_watcher_trigger_drops_total",
			Help: "Scan triggers dropped because one was already pending",
		}),

		QueueDrained: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_queue_drained_total",
			Help: "Request ids popped from the work queue",
		}),
		QueueRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_queue_requeued_total",
			Help: "Request ids put back after a retryable failure",
		}),
		QueueDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_queue_dropped_total",
			Help: "Request ids dropped from the pipeline by reason",
		}, []string{"reason"}),

		IntentsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_intents_resolved_total",
			Help: "Intent reads by outcome (real, decoy, pending, settled, failed)",
		}, []string{"outcome"}),

		SeedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_seed_requests_total",
			Help: "Epoch seed requests by result",
		}, []string{"result"}),
		SeedWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_seed_wait_seconds",
			Help:    "Time spent waiting for an epoch seed",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		BatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_batch_outcomes_total",
			Help: "Batch settlement outcomes",
		}, []string{"market", "outcome"}),
		SettleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_settle_duration_seconds",
			Help:    "Time from batch start to confirmed settlement",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SettleAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_settle_attempts",
			Help:    "Attempts used per settled batch",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		SettledIntents: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_settled_intents_total",
			Help: "Intents included in confirmed settlements",
		}),
		ClearingImbalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settler_clearing_imbalance",
			Help: "Imbalance at the last clearing price, in base units",
		}, []string{"market"}),

		Healthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_healthy",
			Help: "1 when the last health check passed",
		}),
		SolverBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_solver_balance_wei",
			Help: "Solver account balance",
		}),
		LedgerHead: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_ledger_head_block",
			Help: "Latest block seen by the health check",
		}),
	}
}

func (m *Metrics) ObserveScan(result string, events int, checkpoint uint64) {
	if m == nil {
		return
	}
	m.WatcherScans.WithLabelValues(result).Inc()
	m.WatcherEvents.Add(float64(events))
	if checkpoint > 0 {
		m.WatcherLastBlock.Set(float64(checkpoint))
	}
}

func (m *Metrics) TriggerDropped() {
	if m == nil {
		return
	}
	m.WatcherTriggerDrops.Inc()
}

func (m *Metrics) Drained(n int) {
	if m == nil {
		return
	}
	m.QueueDrained.Add(float64(n))
}

func (m *Metrics) Requeued(n int) {
	if m == nil {
		return
	}
	m.QueueRequeued.Add(float64(n))
}

func (m *Metrics) Dropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Resolved(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IntentsResolved.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SeedRequested(result string) {
	if m == nil {
		return
	}
	m.SeedRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) SeedWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.SeedWait.Observe(d.Seconds())
}

func (m *Metrics) BatchOutcome(market, outcome string) {
	if m == nil {
		return
	}
	m.BatchOutcomes.WithLabelValues(market, outcome).Inc()
}

func (m *Metrics) Settled(intents, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.SettledIntents.Add(float64(intents))
	m.SettleAttempts.Observe(float64(attempts))
	m.SettleDuration.Observe(d.Seconds())
}

func (m *Metrics) Imbalance(market string, v float64) {
	if m == nil {
		return
	}
	m.ClearingImbalance.WithLabelValues(market).Set(v)
}

func (m *Metrics) Health(ok bool, head uint64, balanceWei float64) {
	if m == nil {
		return
	}
	if ok {
		m.Healthy.Set(1)
	} else {
		m.Healthy.Set(0)
	}
	m.LedgerHead.Set(float64(head))
	m.SolverBalance.Set(balanceWei)
}
