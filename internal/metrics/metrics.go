// Package metrics exposes governance counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple services never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	commands         *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	quotaRejections  *prometheus.CounterVec
	cmAwards         prometheus.Counter
	eraRollups       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vortex_commands_total",
			Help: "Commands processed, by type and outcome",
		}, []string{"type", "outcome"}),
		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vortex_stage_transitions_total",
			Help: "Proposal stage transitions applied",
		}, []string{"from", "to"}),
		quotaRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vortex_era_quota_rejections_total",
			Help: "Commands rejected by per-era quotas",
		}, []string{"kind"}),
		cmAwards: factory.NewCounter(prometheus.CounterOpts{
			Name: "vortex_cm_awards_total",
			Help: "Cognitocratic measure awards written",
		}),
		eraRollups: factory.NewCounter(prometheus.CounterOpts{
			Name: "vortex_era_rollups_total",
			Help: "Era rollups written",
		}),
	}
}

// The record methods accept a nil receiver so callers without metrics need
// no guard.

func (m *Metrics) Command(commandType, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, outcome).Inc()
}

func (m *Metrics) StageTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) QuotaRejection(kind string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) CmAward() {
	if m == nil {
		return
	}
	m.cmAwards.Inc()
}

func (m *Metrics) EraRollup() {
	if m == nil {
		return
	}
	m.eraRollups.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
