package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/goshmon/runner"
)

// Telemetry holds the service's own prometheus metrics. These are separate
// from the scenario metrics served on /metrics. A nil *Telemetry records
// nothing.
type Telemetry struct {
	registry *prometheus.Registry

	HandlerRuns     *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	SlowRuns        *prometheus.CounterVec
	Inquiries       *prometheus.CounterVec
	QueuePublished  *prometheus.CounterVec
	QueueMessages   *prometheus.CounterVec
	RetentionPurged *prometheus.CounterVec
	ConsumerBusy    prometheus.Gauge
	ConfigReloads   prometheus.Counter
}

// NewTelemetry registers the metrics on a fresh registry.
func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Telemetry{
		registry: reg,
		HandlerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goshmon_handler_runs_total",
				Help: "Scenario runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goshmon_handler_duration_seconds",
				Help:    "Scenario run duration",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		SlowRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goshmon_handler_slow_runs_total",
				Help: "Scenario runs that crossed the slow threshold",
			},
			[]string{"mode"},
		),
		Inquiries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goshmon_inquiries_total",
				Help: "Metric inquiries by cache outcome",
			},
			[]string{"cache"},
		),
		QueuePublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goshmon_queue_published_total",
				Help: "Retry messages by publish outcome",
			},
			[]string{"outcome"},
		),
		QueueMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goshmon_queue_messages_total",
				Help: "Consumed messages by disposition",
			},
			[]string{"disposition"},
		),
		RetentionPurged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goshmon_retention_purged_total",
				Help: "Log files removed by retention pass",
			},
			[]string{"pass"},
		),
		ConsumerBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "goshmon_consumer_busy",
			Help: "Whether the consumer is running a scenario",
		}),
		ConfigReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "goshmon_config_reloads_total",
			Help: "Configuration reloads applied",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (t *Telemetry) Gatherer() prometheus.Gatherer {
	return t.registry
}

func (t *Telemetry) observeRun(mode string, rep runner.Report, seconds float64) {
	if t == nil {
		return
	}
	status := string(rep.Status)
	if status == "" {
		status = "error"
	}
	t.HandlerRuns.WithLabelValues(mode, status).Inc()
	t.HandlerDuration.WithLabelValues(mode).Observe(seconds)
	if rep.Slow {
		t.SlowRuns.WithLabelValues(mode).Inc()
	}
}

func (t *Telemetry) inquiry(cache string) {
	if t != nil {
		t.Inquiries.WithLabelValues(cache).Inc()
	}
}

func (t *Telemetry) published(ok bool) {
	if t == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	t.QueuePublished.WithLabelValues(outcome).Inc()
}

func (t *Telemetry) message(disposition string) {
	if t != nil {
		t.QueueMessages.WithLabelValues(disposition).Inc()
	}
}

func (t *Telemetry) purged(pass string, n int) {
	if t != nil && n > 0 {
		t.RetentionPurged.WithLabelValues(pass).Add(float64(n))
	}
}

func (t *Telemetry) busy(on bool) {
	if t == nil {
		return
	}
	if on {
		t.ConsumerBusy.Set(1)
		return
	}
	t.ConsumerBusy.Set(0)
}

func (t *Telemetry) reloaded() {
	if t != nil {
		t.ConfigReloads.Inc()
	}
}
