// Package metrics holds the Prometheus collectors of the bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carfigures"

type Metrics struct {
	Registry *prometheus.Registry

	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Reloads         *prometheus.CounterVec
	CacheGeneration prometheus.Gauge
	CacheRecords    prometheus.Gauge
	Spawned         prometheus.Counter
	Sessions        prometheus.Gauge
	PanelRequests   *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Console commands by command and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing console commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_reloads_total",
			Help:      "Extension loads and reloads by extension and outcome.",
		}, []string{"extension", "outcome"}),
		CacheGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_generation",
			Help:      "Number of the currently published cache generation.",
		}),
		CacheRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_records",
			Help:      "Records in the currently published cache generation.",
		}),
		Spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawned_total",
			Help:      "Instances delivered to channels.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "console_sessions",
			Help:      "Connected console sessions.",
		}),
		PanelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panel_requests_total",
			Help:      "Admin panel requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Commands,
		m.CommandDuration,
		m.Reloads,
		m.CacheGeneration,
		m.CacheRecords,
		m.Spawned,
		m.Sessions,
		m.PanelRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry: m.Registry,
	})
}
