// Package metrics exposes tracer state to Prometheus. The trace package
// reports through the Recorder interface so its tests do not need a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives tracer lifecycle events.
type Recorder interface {
	GroupCreated()
	GroupDestroyed()
	GroupDestabilized()
	TaskCreated()
	TaskReaped()
	NonspecificWait()
}

// Nop is a Recorder that discards everything. Used by tests and by sessions
// created before metrics are configured.
type Nop struct{}

func (Nop) GroupCreated()      {}
func (Nop) GroupDestroyed()    {}
func (Nop) GroupDestabilized() {}
func (Nop) TaskCreated()       {}
func (Nop) TaskReaped()        {}
func (Nop) NonspecificWait()   {}

// PromRecorder implements Recorder on top of Prometheus collectors.
type PromRecorder struct {
	groupsLive       prometheus.Gauge
	tasksLive        prometheus.Gauge
	groupCreations   prometheus.Counter
	destabilizations prometheus.Counter
	tasksReaped      prometheus.Counter
	nonspecificWaits prometheus.Counter
}

// NewPromRecorder creates a PromRecorder registered with reg.
func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	factory := promauto.With(reg)
	return &PromRecorder{
		groupsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracer_task_groups_live",
			Help: "Number of task groups currently tracked by the session.",
		}),
		tasksLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracer_tasks_live",
			Help: "Number of tasks currently tracked by the session.",
		}),
		groupCreations: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracer_group_creations_total",
			Help: "Total task groups created over the session lifetime.",
		}),
		destabilizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracer_destabilizations_total",
			Help: "Total task groups handed back to kernel-ordered teardown.",
		}),
		tasksReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracer_tasks_reaped_total",
			Help: "Total tasks reaped and released.",
		}),
		nonspecificWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracer_nonspecific_waits_total",
			Help: "Total wait-any operations performed while draining unstable groups.",
		}),
	}
}

func (r *PromRecorder) GroupCreated() {
	r.groupsLive.Inc()
	r.groupCreations.Inc()
}

func (r *PromRecorder) GroupDestroyed() { r.groupsLive.Dec() }

func (r *PromRecorder) GroupDestabilized() { r.destabilizations.Inc() }

func (r *PromRecorder) TaskCreated() { r.tasksLive.Inc() }

func (r *PromRecorder) TaskReaped() {
	r.tasksLive.Dec()
	r.tasksReaped.Inc()
}

func (r *PromRecorder) NonspecificWait() { r.nonspecificWaits.Inc() }
