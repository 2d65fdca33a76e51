package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// WebhookTotal counts inbound PSP webhooks by normalized operation and outcome.
	WebhookTotal *prometheus.CounterVec
	// MandateTransitionsTotal counts mandate status changes.
	MandateTransitionsTotal *prometheus.CounterVec
	// SchedulerEnqueuedTotal counts jobs produced by the background scans.
	SchedulerEnqueuedTotal *prometheus.CounterVec
	// PSPCallTotal counts outbound PSP API calls.
	PSPCallTotal *prometheus.CounterVec
	// PSPCallDuration records PSP call latency in milliseconds.
	PSPCallDuration *prometheus.HistogramVec
	// AnalyticsEventsTotal counts emitted lifecycle events.
	AnalyticsEventsTotal *prometheus.CounterVec
	// NotificationDeliveriesTotal counts user notification delivery outcomes.
	NotificationDeliveriesTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers the mandate lifecycle collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		WebhookTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_total",
			Help:      "Processed PSP webhooks by outcome.",
		}, []string{"pg", "operation", "result"}))
		MandateTransitionsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mandate_transitions_total",
			Help:      "Mandate status transitions.",
		}, []string{"from", "to"}))
		SchedulerEnqueuedTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_enqueued_total",
			Help:      "Jobs enqueued by the background scans.",
		}, []string{"scheduler", "result"}))
		PSPCallTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "psp_call_total",
			Help:      "Outbound PSP calls by outcome.",
		}, []string{"pg", "call", "result"}))
		PSPCallDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "psp_call_duration_ms",
			Help:      "Outbound PSP call latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"pg", "call"}))
		AnalyticsEventsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_events_total",
			Help:      "Lifecycle events emitted.",
		}, []string{"type"}))
		NotificationDeliveriesTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "User notification deliveries by outcome.",
		}, []string{"key", "result"}))
	})
}

// The helpers below are no-ops until MustRegisterDomainMetrics has run, so
// packages can record unconditionally in tests.

func ObserveWebhook(pg, operation, result string) {
	if WebhookTotal != nil {
		WebhookTotal.WithLabelValues(pg, operation, result).Inc()
	}
}

func ObserveTransition(from, to string) {
	if MandateTransitionsTotal != nil {
		MandateTransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

func ObserveEnqueued(scheduler, result string, n int) {
	if SchedulerEnqueuedTotal != nil && n > 0 {
		SchedulerEnqueuedTotal.WithLabelValues(scheduler, result).Add(float64(n))
	}
}

func ObservePSPCall(pg, call string, err error, elapsed time.Duration) {
	if PSPCallTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	PSPCallTotal.WithLabelValues(pg, call, result).Inc()
	PSPCallDuration.WithLabelValues(pg, call).Observe(DurationMillis(elapsed))
}

func ObserveDelivery(key, result string) {
	if NotificationDeliveriesTotal != nil {
		NotificationDeliveriesTotal.WithLabelValues(key, result).Inc()
	}
}
