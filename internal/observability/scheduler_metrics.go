package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/mesh-simulator/internal/sched"
)

// SchedulerCollector exposes event scheduler Prometheus metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	EventsScheduled prometheus.Counter
	EventsRun       prometheus.Counter
	EventsCancelled prometheus.Counter
	EventsPending   prometheus.Gauge
	EventLag        prometheus.Histogram
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	scheduled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_scheduler_events_scheduled_total",
		Help: "Callbacks registered with the event scheduler.",
	}), "mesh_scheduler_events_scheduled_total")
	if err != nil {
		return nil, err
	}
	run, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_scheduler_events_run_total",
		Help: "Callbacks executed by the event scheduler.",
	}), "mesh_scheduler_events_run_total")
	if err != nil {
		return nil, err
	}
	cancelled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_scheduler_events_cancelled_total",
		Help: "Cancellation requests received by the event scheduler.",
	}), "mesh_scheduler_events_cancelled_total")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_scheduler_events_pending",
		Help: "Callbacks waiting for their simulation time.",
	}), "mesh_scheduler_events_pending")
	if err != nil {
		return nil, err
	}
	lag, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_scheduler_event_lag_seconds",
		Help:    "Simulated time between an event's due time and its execution.",
		Buckets: []float64{0, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
	}), "mesh_scheduler_event_lag_seconds")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:        gatherer,
		EventsScheduled: scheduled,
		EventsRun:       run,
		EventsCancelled: cancelled,
		EventsPending:   pending,
		EventLag:        lag,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Instrument wraps inner so every schedule, run and cancel is counted.
func (c *SchedulerCollector) Instrument(inner sched.EventScheduler) sched.EventScheduler {
	if c == nil {
		return inner
	}
	return &instrumentedScheduler{inner: inner, c: c}
}

type instrumentedScheduler struct {
	inner sched.EventScheduler
	c     *SchedulerCollector
}

func (s *instrumentedScheduler) Schedule(at time.Time, f func()) string {
	s.c.EventsScheduled.Inc()
	id := s.inner.Schedule(at, func() {
		s.c.EventsRun.Inc()
		if lag := s.inner.Now().Sub(at); lag >= 0 {
			s.c.EventLag.Observe(lag.Seconds())
		}
		if f != nil {
			f()
		}
	})
	s.c.EventsPending.Set(float64(s.inner.Pending()))
	return id
}

func (s *instrumentedScheduler) After(d time.Duration, f func()) sched.CancelHandle {
	id := s.Schedule(s.inner.Now().Add(d), f)
	return sched.NewCancelHandle(id, s)
}

func (s *instrumentedScheduler) Cancel(id string) {
	s.c.EventsCancelled.Inc()
	s.inner.Cancel(id)
	s.c.EventsPending.Set(float64(s.inner.Pending()))
}

func (s *instrumentedScheduler) Now() time.Time { return s.inner.Now() }
func (s *instrumentedScheduler) Pending() int   { return s.inner.Pending() }

func (s *instrumentedScheduler) RunDue() {
	s.inner.RunDue()
	s.c.EventsPending.Set(float64(s.inner.Pending()))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
