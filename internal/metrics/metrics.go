// Package metrics owns the Prometheus instrument set. It sits below the
// services that record into it so any of them can depend on it without
// dragging in the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the service exports. Collectors
// are registered on a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Scheduler cycle metrics.
	SchedulerCycles        prometheus.Counter
	SchedulerCycleDuration prometheus.Histogram
	Launches               prometheus.Counter
	LaunchFailures         prometheus.Counter
	LaunchDeferred         prometheus.Counter

	// Fleet state.
	ActiveBots     prometheus.Gauge
	StaleScheduled prometheus.Gauge
	BotsByState    *prometheus.GaugeVec

	// Lifecycle outcomes.
	BotEvents *prometheus.CounterVec

	// Calendar ingestion.
	CalendarOps *prometheus.CounterVec

	// HTTP surface.
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auto := promauto.With(reg)

	const ns = "botherd"
	m := &Metrics{registry: reg}

	m.SchedulerCycles = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler",
		Name: "cycles_total",
		Help: "Total number of scheduler admission cycles run",
	})
	m.SchedulerCycleDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "scheduler",
		Name:    "cycle_duration_seconds",
		Help:    "Duration of scheduler admission cycles",
		Buckets: prometheus.DefBuckets,
	})
	m.Launches = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler",
		Name: "launches_total",
		Help: "Total number of bots submitted for launch",
	})
	m.LaunchFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler",
		Name: "launch_failures_total",
		Help: "Total number of launch submissions reverted after a provisioning failure",
	})
	m.LaunchDeferred = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler",
		Name: "launches_deferred_total",
		Help: "Total number of due bots deferred by the concurrency cap",
	})

	m.ActiveBots = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "bots_active",
		Help:      "Bots currently occupying cluster capacity (JOINING or JOINED_RECORDING)",
	})
	m.StaleScheduled = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "bots_stale_scheduled",
		Help:      "SCHEDULED bots whose launch window has passed",
	})
	m.BotsByState = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "bots_by_state",
		Help:      "Bot count per lifecycle state",
	}, []string{"state"})

	m.BotEvents = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "bot_events_total",
		Help:      "Bot events recorded, by type and subtype",
	}, []string{"type", "sub_type"})

	m.CalendarOps = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "calendar_events_total",
		Help:      "Calendar change notifications processed, by operation",
	}, []string{"op"})

	m.HTTPRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "http",
		Name: "requests_total",
		Help: "HTTP requests served, by route, method and status",
	}, []string{"route", "method", "status"})
	m.HTTPRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "http",
		Name:    "request_duration_seconds",
		Help:    "HTTP request duration, by route and method",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
