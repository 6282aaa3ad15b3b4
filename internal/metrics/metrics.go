package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// AdmissionRequestsTotal tracks admission decisions by outcome
	AdmissionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_admission_requests_total",
			Help: "Total number of admission requests evaluated",
		},
		[]string{"decision", "resource_kind", "namespace"},
	)

	// AdmissionRequestDuration tracks how long evaluations take
	AdmissionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubefreezer_admission_request_duration_seconds",
			Help:    "Time spent evaluating an admission request",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"resource_kind"},
	)

	// FreezeActive reports whether any freeze window is currently active
	FreezeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubefreezer_freeze_active",
			Help: "Whether a freeze window is currently active (1) or not (0)",
		},
	)

	// BypassUsedTotal tracks bypasses by kind
	BypassUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_bypass_used_total",
			Help: "Total number of requests admitted through a bypass during a freeze",
		},
		[]string{"bypass_type", "namespace"},
	)

	// ConfigReloadErrorsTotal tracks rejected policy payloads
	ConfigReloadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kubefreezer_config_reload_errors_total",
			Help: "Total number of policy reloads rejected due to invalid payloads",
		},
	)

	// ExemptionsActive reports the number of unexpired exemptions
	ExemptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubefreezer_exemptions_active",
			Help: "Number of currently active temporary exemptions",
		},
	)

	// APIRequestsTotal tracks management API traffic
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_api_requests_total",
			Help: "Total number of management API requests",
		},
		[]string{"method", "route", "status"},
	)

	// NotificationsTotal tracks notification deliveries by channel
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefreezer_notifications_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	// Register all metrics with controller-runtime's metrics registry
	metrics.Registry.MustRegister(
		AdmissionRequestsTotal,
		AdmissionRequestDuration,
		FreezeActive,
		BypassUsedTotal,
		ConfigReloadErrorsTotal,
		ExemptionsActive,
		APIRequestsTotal,
		NotificationsTotal,
	)
}

// RecordAdmission records the outcome of an admission evaluation
func RecordAdmission(decision, resourceKind, namespace string) {
	AdmissionRequestsTotal.WithLabelValues(decision, resourceKind, namespace).Inc()
}

// ObserveAdmissionDuration records how long an evaluation took
func ObserveAdmissionDuration(resourceKind string, seconds float64) {
	AdmissionRequestDuration.WithLabelValues(resourceKind).Observe(seconds)
}

// RecordBypass records a request admitted through a bypass
func RecordBypass(bypassType, namespace string) {
	BypassUsedTotal.WithLabelValues(bypassType, namespace).Inc()
}

// RecordConfigReloadError records a rejected policy payload
func RecordConfigReloadError() {
	ConfigReloadErrorsTotal.Inc()
}

// SetFreezeActive updates the freeze gauge
func SetFreezeActive(active bool) {
	if active {
		FreezeActive.Set(1)
	} else {
		FreezeActive.Set(0)
	}
}

// SetExemptionsActive updates the active exemptions gauge
func SetExemptionsActive(count float64) {
	ExemptionsActive.Set(count)
}

// RecordAPIRequest records a management API request
func RecordAPIRequest(method, route, status string) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordNotification records a notification delivery attempt
func RecordNotification(channel, outcome string) {
	NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}
