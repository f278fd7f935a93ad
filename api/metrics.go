package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gauges/counters the group core exposes on /metrics.
// Commands that mutate state call the Observe* methods from inside
// Apply; they are safe under fsm's own Mutex since Prometheus
// collectors are independently thread-safe.
type Metrics struct {
	MemberCount     prometheus.Gauge
	SessionCount    prometheus.Gauge
	TaskQueued      prometheus.Gauge
	CommandsApplied *prometheus.CounterVec
}

// NewMetrics registers the group core's collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler wired by Router.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MemberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atomix",
			Subsystem: "group",
			Name:      "members",
			Help:      "Current number of bound group members.",
		}),
		SessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atomix",
			Subsystem: "group",
			Name:      "sessions",
			Help:      "Current number of active listening sessions.",
		}),
		TaskQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atomix",
			Subsystem: "group",
			Name:      "tasks_queued",
			Help:      "Current number of pending and backlogged tasks across all members.",
		}),
		CommandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomix",
			Subsystem: "group",
			Name:      "commands_applied_total",
			Help:      "Commands applied to the group state machine, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(m.MemberCount, m.SessionCount, m.TaskQueued, m.CommandsApplied)
	return m
}

// The four methods below satisfy fsm.MetricsRecorder, letting Metrics be
// passed straight into fsm.Config without fsm importing Prometheus.

func (m *Metrics) ObserveApply(op string) { m.CommandsApplied.WithLabelValues(op).Inc() }
func (m *Metrics) SetMemberCount(n int)   { m.MemberCount.Set(float64(n)) }
func (m *Metrics) SetSessionCount(n int)  { m.SessionCount.Set(float64(n)) }
func (m *Metrics) SetTaskQueued(n int)    { m.TaskQueued.Set(float64(n)) }
