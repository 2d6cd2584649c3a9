// Package metrics provides Prometheus metrics for the envoy bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "envoy_bridge"

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// SessionRefreshTotal counts completed session refresh attempts.
	SessionRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Total number of gateway session refresh attempts",
		},
		[]string{"result"},
	)

	// CredentialExpiryGauge holds the unix expiry of the current credential.
	CredentialExpiryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "credential_expiry_timestamp_seconds",
			Help:      "Unix time at which the current gateway credential expires",
		},
	)

	// APIRequestsTotal counts individual HTTP GETs against the gateway.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of gateway GET requests by path and status code",
		},
		[]string{"path", "code"},
	)

	// APIRetriesTotal counts GETs retried after a 401.
	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "retries_total",
			Help:      "Total number of gateway GETs retried after an authorization failure",
		},
		[]string{"path"},
	)

	// PollTotal counts poll cycles by result.
	PollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles by result",
		},
		[]string{"result"},
	)

	// PollDuration observes how long each poll cycle takes.
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Duration of poll cycles",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PublishTotal counts bus publishes by result.
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Total number of message bus publishes by result",
		},
		[]string{"result"},
	)

	// LastPublishGauge holds the unix time of the last successful publish.
	LastPublishGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last successful publish",
		},
	)

	// InverterWattsGauge tracks the last reported watts per inverter.
	InverterWattsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inverter",
			Name:      "last_watts",
			Help:      "Last reported output of each inverter in watts",
		},
		[]string{"serial"},
	)

	// ProductionWattsGauge tracks the current total production.
	ProductionWattsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "production",
			Name:      "watts_now",
			Help:      "Current total production in watts",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionRefreshTotal,
		CredentialExpiryGauge,
		APIRequestsTotal,
		APIRetriesTotal,
		PollTotal,
		PollDuration,
		PublishTotal,
		LastPublishGauge,
		InverterWattsGauge,
		ProductionWattsGauge,
	)
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
