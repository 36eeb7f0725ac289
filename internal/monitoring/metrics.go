package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_admission_verdicts_total",
			Help: "Total number of admission verdicts by outcome",
		},
		[]string{"verdict", "mode"},
	)

	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_ledger_errors_total",
			Help: "Total number of failed concurrency ledger operations",
		},
		[]string{"op"},
	)

	DeferredDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firecrawl_deferred_depth",
			Help: "Current depth of the per-team concurrency queue",
		},
		[]string{"team"},
	)

	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_queue_enqueued_total",
			Help: "Total number of jobs pushed to the worker queue",
		},
		[]string{"queue"},
	)

	DrainPromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_drain_promotions_total",
			Help: "Total number of deferred jobs promoted to the active path",
		},
		[]string{"team"},
	)

	DrainDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_drain_dropped_total",
			Help: "Total number of deferred jobs dropped for exceeding their hold deadline",
		},
		[]string{"team"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_notifications_sent_total",
			Help: "Total number of tenant notifications enqueued for delivery",
		},
		[]string{"kind"},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_notifications_suppressed_total",
			Help: "Total number of tenant notifications suppressed",
		},
		[]string{"kind", "reason"},
	)

	WaitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_wait_outcomes_total",
			Help: "Total number of wait-for-job calls by outcome",
		},
		[]string{"outcome"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firecrawl_jobs_processed_total",
			Help: "Total number of jobs finished by workers",
		},
		[]string{"status"},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordVerdict(verdict, mode string) {
	if !m.isEnabled() {
		return
	}
	AdmissionVerdicts.WithLabelValues(verdict, mode).Inc()
}

func (m *Metrics) RecordLedgerError(op string) {
	if !m.isEnabled() {
		return
	}
	LedgerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) UpdateDeferredDepth(team string, depth int64) {
	if !m.isEnabled() {
		return
	}
	DeferredDepth.WithLabelValues(team).Set(float64(depth))
}

func (m *Metrics) RecordEnqueue(queue string) {
	if !m.isEnabled() {
		return
	}
	QueueEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordPromotion(team string) {
	if !m.isEnabled() {
		return
	}
	DrainPromotions.WithLabelValues(team).Inc()
}

func (m *Metrics) RecordDropped(team string) {
	if !m.isEnabled() {
		return
	}
	DrainDropped.WithLabelValues(team).Inc()
}

func (m *Metrics) RecordNotificationSent(kind string) {
	if !m.isEnabled() {
		return
	}
	NotificationsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordNotificationSuppressed(kind, reason string) {
	if !m.isEnabled() {
		return
	}
	NotificationsSuppressed.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) RecordWaitOutcome(outcome string) {
	if !m.isEnabled() {
		return
	}
	WaitOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordJobProcessed(status string) {
	if !m.isEnabled() {
		return
	}
	JobsProcessed.WithLabelValues(status).Inc()
}
