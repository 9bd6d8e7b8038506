package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SyncOutcomeClean   = "clean"
	SyncOutcomeStale   = "stale"
	SyncOutcomeFailed  = "failed"
	SyncOutcomeSkipped = "skipped"

	JobOutcomeOK          = "ok"
	JobOutcomeError       = "error"
	JobOutcomePanic       = "panic"
	JobOutcomeUndecodable = "undecodable"
)

// EngineMetrics tracks the in-memory grant cache and the background queue.
type EngineMetrics struct {
	casConflicts *prometheus.CounterVec
	cacheEntries *prometheus.GaugeVec
	syncOutcomes *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	casConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitle_cache_cas_conflicts_total",
		Help:        "Grant cache compare-and-swap conflicts by operation.",
		ConstLabels: labels,
	}, []string{"operation"})
	cacheEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "entitle_cache_entries",
		Help:        "Cached grants by sync status.",
		ConstLabels: labels,
	}, []string{"status"})
	syncOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitle_sync_outcomes_total",
		Help:        "Grant snapshot write-back outcomes.",
		ConstLabels: labels,
	}, []string{"outcome"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitle_queue_jobs_total",
		Help:        "Background jobs processed by kind and outcome.",
		ConstLabels: labels,
	}, []string{"kind", "outcome"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "entitle_queue_job_duration_seconds",
		Help:        "Background job handling latency.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: labels,
	}, []string{"kind"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "entitle_queue_depth",
		Help:        "Jobs waiting in the queue backend.",
		ConstLabels: labels,
	}, []string{"backend"})

	registerer.MustRegister(casConflicts, cacheEntries, syncOutcomes, jobs, jobDuration, queueDepth)

	return &EngineMetrics{
		casConflicts: casConflicts,
		cacheEntries: cacheEntries,
		syncOutcomes: syncOutcomes,
		jobs:         jobs,
		jobDuration:  jobDuration,
		queueDepth:   queueDepth,
	}
}

func (m *EngineMetrics) IncCASConflict(operation string) {
	if m == nil {
		return
	}
	m.casConflicts.WithLabelValues(operation).Inc()
}

// SetCacheEntries publishes the cache entry count per sync status.
func (m *EngineMetrics) SetCacheEntries(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.cacheEntries.WithLabelValues(status).Set(float64(n))
	}
}

func (m *EngineMetrics) IncSyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveJob records one processed job.
func (m *EngineMetrics) ObserveJob(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *EngineMetrics) SetQueueDepth(backend string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(backend).Set(float64(depth))
}
