package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

// SimulationEngine binds a TimeController, an EventScheduler and a Network:
// every clock step runs one network tick and then the tick listeners.
type SimulationEngine struct {
	Clock     *timectrl.TimeController
	Scheduler sched.EventScheduler
	Network   *Network

	log           logging.Logger
	tickListeners []func(tick uint64, now time.Time)
}

// NewSimulationEngine wires net to tc. The network must have been built on
// tc and a scheduler reading tc.
func NewSimulationEngine(tc *timectrl.TimeController, s sched.EventScheduler, net *Network) *SimulationEngine {
	se := &SimulationEngine{
		Clock:     tc,
		Scheduler: s,
		Network:   net,
		log:       net.log,
	}
	tc.AddListener(se.onStep)
	return se
}

// NewSimulation builds a complete engine starting at start. The tick length
// comes from the network params.
func NewSimulation(start time.Time, mode timectrl.Mode, opts ...NetworkOption) *SimulationEngine {
	probe := &Network{params: DefaultParams()}
	for _, opt := range opts {
		opt(probe)
	}
	tc := timectrl.NewTimeController(start, probe.params.Tick, mode)
	s := sched.NewEventScheduler(tc)
	return NewSimulationEngine(tc, s, NewNetwork(tc, s, opts...))
}

func (se *SimulationEngine) onStep(now time.Time) {
	se.Network.Tick()
	steps := se.Clock.Steps()
	for _, fn := range se.tickListeners {
		fn(steps, now)
	}
}

// RegisterTickListener adds fn to the callbacks run after every tick.
func (se *SimulationEngine) RegisterTickListener(fn func(tick uint64, now time.Time)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Step advances the simulation by one tick.
func (se *SimulationEngine) Step() time.Time {
	return se.Clock.Step()
}

// Run advances the simulation by ticks steps.
func (se *SimulationEngine) Run(ticks int) {
	for range ticks {
		se.Clock.Step()
	}
}

// RunFor advances the simulation by at least d of simulated time.
func (se *SimulationEngine) RunFor(d time.Duration) {
	tick := se.Clock.Tick
	if tick <= 0 || d <= 0 {
		return
	}
	steps := int((d + tick - 1) / tick)
	se.Run(steps)
}

// RunUntil steps until cond holds or limit of simulated time passes. It
// reports whether cond was met.
func (se *SimulationEngine) RunUntil(limit time.Duration, cond func() bool) bool {
	deadline := se.Clock.Now().Add(limit)
	for !cond() {
		if !se.Clock.Now().Before(deadline) {
			return false
		}
		se.Clock.Step()
	}
	return true
}

// Start runs the clock loop in the background until duration of simulated
// time has passed or ctx is cancelled. The returned channel closes on exit.
func (se *SimulationEngine) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	se.log.Info(ctx, "simulation started",
		logging.String("mode", se.Clock.Mode.String()),
		logging.Duration("tick", se.Clock.Tick),
		logging.Duration("duration", duration),
	)
	return se.Clock.Start(ctx, duration)
}
