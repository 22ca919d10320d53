package spark

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the reporter's prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	cycles       prometheus.Counter
	failures     *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	lastSuccess  prometheus.Gauge
	clusterState *prometheus.GaugeVec
	aliveWorkers prometheus.Gauge
}

// NewMetrics creates the reporter collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allspark",
			Subsystem: "agent",
			Name:      "cycles_total",
			Help:      "Reporting cycles started.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "allspark",
			Subsystem: "agent",
			Name:      "cycle_failures_total",
			Help:      "Reporting cycle failures by stage.",
		}, []string{"stage"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "allspark",
			Subsystem: "agent",
			Name:      "deliveries_total",
			Help:      "Report deliveries by sink and result.",
		}, []string{"sink", "result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "allspark",
			Subsystem: "agent",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that completed without errors.",
		}),
		clusterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "allspark",
			Subsystem: "agent",
			Name:      "cluster_state",
			Help:      "1 for the state derived from the last report, 0 otherwise.",
		}, []string{"state"}),
		aliveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "allspark",
			Subsystem: "agent",
			Name:      "alive_workers",
			Help:      "Alive workers in the last status snapshot.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.cycles, m.failures, m.deliveries, m.lastSuccess, m.clusterState, m.aliveWorkers)
	}
	return m
}

func (m *Metrics) cycleStarted() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

func (m *Metrics) cycleFailed(stage Stage) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) delivered(sink string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.deliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) cycleSucceeded(at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(at.Unix()))
}

func (m *Metrics) observe(state State, alive int) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.clusterState.WithLabelValues(string(s)).Set(v)
	}
	m.aliveWorkers.Set(float64(alive))
}
