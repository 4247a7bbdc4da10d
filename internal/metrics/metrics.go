// Package metrics exposes engine counters as prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the engine records to.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	messages      *prometheus.CounterVec
	resumeLag     prometheus.Histogram
	sweepDuration prometheus.Histogram
	poolActive    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_runs_started_total",
			Help: "Runs created by a trigger dispatch or a fan-out fork.",
		}, []string{"workflow"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"workflow", "status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_messages_total",
			Help: "Outbound message dispatch attempts by outcome.",
		}, []string{"channel", "outcome"}),
		resumeLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drip_resume_lag_seconds",
			Help:    "Delay between a run's wake time and its actual resumption.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drip_sweep_duration_seconds",
			Help:    "Duration of one scheduler sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drip_pool_active",
			Help: "Resumptions currently executing in the scheduler pool.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.runsStarted, m.runsFinished, m.messages, m.resumeLag, m.sweepDuration, m.poolActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RunStarted(workflow string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
}

func (m *Metrics) RunFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(workflow, status).Inc()
}

// Message counts one dispatch attempt. outcome is sent, retriable, fatal or circuit_open.
func (m *Metrics) Message(channel, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ResumeLag(d time.Duration) {
	if m == nil {
		return
	}
	m.resumeLag.Observe(d.Seconds())
}

func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) PoolActive(n int64) {
	if m == nil {
		return
	}
	m.poolActive.Set(float64(n))
}
