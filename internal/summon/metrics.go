package summon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts protocol events. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	started   prometheus.Counter
	rejected  *prometheus.CounterVec
	responses *prometheus.CounterVec
	races     *prometheus.CounterVec
	resolved  *prometheus.CounterVec
	clears    prometheus.Counter
}

// NewMetrics registers the summon metrics with registry. A nil registry
// yields nil metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}
	factory := promauto.With(registry)
	return &Metrics{
		started: factory.NewCounter(prometheus.CounterOpts{
			Name: "readycheck_summons_started_total",
			Help: "Total number of summons created",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readycheck_summons_rejected_total",
			Help: "Total number of summon starts refused by the guard",
		}, []string{"reason"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readycheck_responses_recorded_total",
			Help: "Total number of respondent slots written",
		}, []string{"status"}),
		races: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readycheck_write_races_total",
			Help: "Total number of conditional writes that lost to an earlier writer",
		}, []string{"kind"}),
		resolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readycheck_summons_resolved_total",
			Help: "Total number of summons that reached a terminal status",
		}, []string{"status", "reason"}),
		clears: factory.NewCounter(prometheus.CounterOpts{
			Name: "readycheck_active_summon_clears_total",
			Help: "Total number of manual active-summon pointer clears",
		}),
	}
}

func (m *Metrics) incStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) incRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) incResponse(status ResponseStatus) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) incRace(kind string) {
	if m == nil {
		return
	}
	m.races.WithLabelValues(kind).Inc()
}

func (m *Metrics) incResolved(s Summon) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(string(s.Status), string(s.Reason)).Inc()
}

func (m *Metrics) incClear() {
	if m == nil {
		return
	}
	m.clears.Inc()
}
