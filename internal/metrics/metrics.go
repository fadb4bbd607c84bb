package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigov_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigov_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aigov_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigov_admission_decisions_total",
			Help: "Admission checks by outcome and denial reason.",
		},
		[]string{"outcome", "reason"},
	)

	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigov_usage_tokens_total",
			Help: "Tokens recorded in the usage ledger.",
		},
		[]string{"agent_type"},
	)

	UsageRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigov_usage_records_total",
			Help: "Usage records appended, by initial status.",
		},
		[]string{"status"},
	)

	ApprovalTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigov_approval_transitions_total",
			Help: "Approval workflow transitions by action and result.",
		},
		[]string{"action", "result"},
	)

	ReportSectionsDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigov_report_sections_degraded_total",
			Help: "Report sections replaced with defaults after a failure.",
		},
		[]string{"section"},
	)

	KillSwitchEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aigov_killswitch_enabled",
			Help: "1 when AI is globally enabled, 0 when disabled.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		AdmissionDecisionsTotal,
		UsageTokensTotal,
		UsageRecordsTotal,
		ApprovalTransitionsTotal,
		ReportSectionsDegradedTotal,
		KillSwitchEnabled,
	)
}
