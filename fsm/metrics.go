package fsm

// MetricsRecorder is the narrow surface the state machine needs to
// report activity without importing a metrics library directly -- the
// api package's Prometheus-backed Metrics type implements this. A nil
// recorder (the default) means metrics are simply not collected.
type MetricsRecorder interface {
	ObserveApply(op string)
	SetMemberCount(n int)
	SetSessionCount(n int)
	SetTaskQueued(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveApply(op string)   {}
func (noopMetrics) SetMemberCount(n int)     {}
func (noopMetrics) SetSessionCount(n int)    {}
func (noopMetrics) SetTaskQueued(n int)      {}

// refreshGaugeMetrics recomputes the point-in-time gauges from current
// state. Called after any command that changes membership or queue
// depth; cheap enough at this scale to just walk the maps.
func (f *fsm) refreshGaugeMetrics() {
	bound := 0
	queued := 0
	for _, m := range f.members {
		if m.bound() {
			bound++
		}
		if m.Pending != nil {
			queued++
		}
		queued += len(m.Backlog)
	}
	f.metrics.SetMemberCount(bound)
	f.metrics.SetTaskQueued(queued)
	f.metrics.SetSessionCount(f.sessions.activeCount())
}
