package observability

import (
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	suggestions     *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	loansOverdue    prometheus.Counter
	notifications   *prometheus.CounterVec
	analyses        *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		suggestions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_suggestions_total",
				Help: "Savings suggestions produced, by source.",
			},
			[]string{"source"},
		),
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_overdue_sweeps_total",
				Help: "Overdue sweeps executed, by trigger.",
			},
			[]string{"trigger"},
		),
		loansOverdue: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_loans_marked_overdue_total",
				Help: "Loans transitioned to overdue.",
			},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_notifications_total",
				Help: "Notification writes, by type and result.",
			},
			[]string{"type", "result"},
		),
		analyses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_savings_analyses_total",
				Help: "Savings analyses processed, by status.",
			},
			[]string{"status"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrSuggestion counts a suggestion by source (remote, fallback, none).
func (m *Metrics) IncrSuggestion(source string) {
	m.suggestions.WithLabelValues(source).Inc()
}

// IncrSweep counts a sweep run by trigger (scheduled, manual).
func (m *Metrics) IncrSweep(trigger string) {
	m.sweeps.WithLabelValues(trigger).Inc()
}

// AddLoansOverdue adds n loans to the overdue transition counter.
func (m *Metrics) AddLoansOverdue(n int) {
	m.loansOverdue.Add(float64(n))
}

// IncrNotification counts a notification write attempt outcome (sent, failed).
func (m *Metrics) IncrNotification(kind domain.NotificationType, result string) {
	m.notifications.WithLabelValues(string(kind), result).Inc()
}

// IncrAnalysis counts a savings analysis by status (success, error, invalid).
func (m *Metrics) IncrAnalysis(status string) {
	m.analyses.WithLabelValues(status).Inc()
}

// JobsSnapshot returns cumulative background-job counters for
// GET /v1/metrics/jobs.
func (m *Metrics) JobsSnapshot() *domain.JobMetrics {
	remote := getCounterValue(m.suggestions, "remote")
	fallback := getCounterValue(m.suggestions, "fallback")
	hits := getCounterValue(m.cacheHits, "suggestion")
	misses := getCounterValue(m.cacheMisses, "suggestion")

	var sent, failed float64
	for _, kind := range []domain.NotificationType{
		domain.NotificationLoanCreated,
		domain.NotificationLoanOverdue,
		domain.NotificationLoanRepaid,
	} {
		sent += getCounterValue(m.notifications, string(kind), "sent")
		failed += getCounterValue(m.notifications, string(kind), "failed")
	}

	fallbackRate := float64(0)
	if remote+fallback > 0 {
		fallbackRate = fallback / (remote + fallback)
	}
	cacheRatio := float64(0)
	if hits+misses > 0 {
		cacheRatio = hits / (hits + misses)
	}

	return &domain.JobMetrics{
		SweepsScheduled:      int64(getCounterValue(m.sweeps, "scheduled")),
		SweepsManual:         int64(getCounterValue(m.sweeps, "manual")),
		LoansMarkedOverdue:   int64(readCounter(m.loansOverdue)),
		NotificationsSent:    int64(sent),
		NotificationsFailed:  int64(failed),
		SuggestionsRemote:    int64(remote),
		SuggestionsFallback:  int64(fallback),
		FallbackRate:         fallbackRate,
		SuggestionCacheRatio: cacheRatio,
		Period:               "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	return readCounter(cv.WithLabelValues(labels...))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
