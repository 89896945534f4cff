package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Polling metrics
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_polls_total",
			Help: "Total number of device polls by coordinator",
		},
		[]string{"coordinator"},
	)

	PollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_poll_errors_total",
			Help: "Total number of polling errors by coordinator and kind (comm, crc, unexpected)",
		},
		[]string{"coordinator", "kind"},
	)

	PollRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_poll_recoveries_total",
			Help: "Total number of error to ok transitions by coordinator",
		},
		[]string{"coordinator"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridbox_poll_duration_seconds",
			Help:    "Duration of a single device poll in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DevicesConfigured = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbox_devices_configured",
			Help: "Number of devices loaded per coordinator",
		},
		[]string{"coordinator"},
	)

	// Event bus metrics
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_events_emitted_total",
			Help: "Total number of events emitted by channel",
		},
		[]string{"channel"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_events_dropped_total",
			Help: "Total number of events dropped on slow subscribers by channel",
		},
		[]string{"channel"},
	)

	BusSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbox_bus_subscribers",
			Help: "Number of active subscribers by channel",
		},
		[]string{"channel"},
	)

	// Broker metrics
	BrokerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_broker_requests_total",
			Help: "Total number of broker API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	BrokerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbox_broker_request_duration_seconds",
			Help:    "Broker API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ConfigChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbox_config_changes_total",
			Help: "Total number of configuration change notifications by change type",
		},
		[]string{"chgtype"},
	)
)

// Register registers all metrics with the default Prometheus registry
func Register() {
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(PollErrorsTotal)
	prometheus.MustRegister(PollRecoveriesTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(DevicesConfigured)

	prometheus.MustRegister(EventsEmittedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(BusSubscribers)

	prometheus.MustRegister(BrokerRequestsTotal)
	prometheus.MustRegister(BrokerRequestDuration)
	prometheus.MustRegister(ConfigChangesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
