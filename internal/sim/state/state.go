// Package state serialises concurrent access to a running mesh simulation.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/model"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

// Re-export core sentinel errors so callers can depend on state.* alone.
var (
	ErrNodeExists   = core.ErrNodeExists
	ErrNodeNotFound = core.ErrNodeNotFound
	ErrNodeInvalid  = core.ErrNodeInvalid
	// ErrServiceUnknown indicates the requesting node holds no record for
	// the service.
	ErrServiceUnknown = errors.New("service not in node catalog")
	// ErrDiscoveryNotFound indicates an unknown discovery ID.
	ErrDiscoveryNotFound = errors.New("discovery not found")
)

// DiscoveryResult is the latest answer delivered to a path discovery.
type DiscoveryResult struct {
	ID     string
	Source string
	Target string
	Path   []string
	Delay  int
	Found  bool
	// Settled is true once the discovery can deliver nothing further.
	Settled bool
	// Updates counts continuation invocations.
	Updates int
	At      time.Time
}

// MeshState owns a SimulationEngine and is the only way concurrent callers
// (RPC handlers, the real-time loop) touch it. Every method takes mu, so the
// protocol engine itself stays single-threaded.
type MeshState struct {
	// mu guards engine and everything reachable from it, plus discoveries.
	mu sync.Mutex

	engine *core.SimulationEngine
	log    logging.Logger

	telemetry      *TelemetryState
	sampleInterval time.Duration
	lastSample     time.Time

	discoveries map[string]*DiscoveryResult
}

// MeshStateOption customises MeshState construction.
type MeshStateOption func(*MeshState)

// WithTelemetry attaches a telemetry store sampled from the tick loop.
func WithTelemetry(t *TelemetryState) MeshStateOption {
	return func(s *MeshState) {
		s.telemetry = t
	}
}

// WithSampleInterval sets how much simulated time passes between telemetry
// samples. Zero samples every tick.
func WithSampleInterval(d time.Duration) MeshStateOption {
	return func(s *MeshState) {
		s.sampleInterval = d
	}
}

// NewMeshState wraps engine. The engine must not be stepped by anyone else
// afterwards.
func NewMeshState(engine *core.SimulationEngine, log logging.Logger, opts ...MeshStateOption) *MeshState {
	if log == nil {
		log = logging.Noop()
	}
	s := &MeshState{
		engine:         engine,
		log:            log,
		sampleInterval: time.Second,
		discoveries:    make(map[string]*DiscoveryResult),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	engine.RegisterTickListener(s.onTick)
	return s
}

// onTick runs inside Step, so mu is already held.
func (s *MeshState) onTick(_ uint64, now time.Time) {
	if s.telemetry == nil {
		return
	}
	if !s.lastSample.IsZero() && now.Sub(s.lastSample) < s.sampleInterval {
		return
	}
	s.lastSample = now
	s.telemetry.Sample(s.engine.Network.Snapshot())
}

// Telemetry returns the attached telemetry store, which may be nil.
func (s *MeshState) Telemetry() *TelemetryState {
	return s.telemetry
}

// WithLock executes fn with exclusive access to the network. Callers must
// not invoke other MeshState methods from inside fn.
func (s *MeshState) WithLock(fn func(net *core.Network) error) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.engine.Network)
}

// Now returns the current simulation time.
func (s *MeshState) Now() time.Time {
	return s.engine.Clock.Now()
}

// Step advances the simulation by ticks steps and returns the new time.
func (s *MeshState) Step(ticks int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Run(ticks)
	return s.engine.Clock.Now()
}

// Run steps the simulation from a background goroutine until duration of
// simulated time has passed (forever when duration <= 0) or ctx ends. In
// real-time mode one tick is taken per tick of wall time. The returned
// channel closes when the loop exits.
func (s *MeshState) Run(ctx context.Context, duration time.Duration) <-chan struct{} {
	tc := s.engine.Clock
	done := make(chan struct{})
	s.log.Info(ctx, "simulation loop started",
		logging.String("mode", tc.Mode.String()),
		logging.Duration("tick", tc.Tick),
		logging.Duration("duration", duration),
	)
	go func() {
		defer close(done)

		var ticks <-chan time.Time
		if tc.Mode == timectrl.RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			ticks = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if ticks != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				}
			} else if ctx.Err() != nil {
				return
			}
			s.Step(1)
			elapsed += tc.Tick
		}
	}()
	return done
}

// Snapshot returns a coherent read-only view of the network.
func (s *MeshState) Snapshot() core.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Network.Snapshot()
}

// AddNode places a node.
func (s *MeshState) AddNode(spec core.NodeSpec) (core.NodeView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.engine.Network.AddNode(spec)
	if err != nil {
		return core.NodeView{}, err
	}
	return n.View(), nil
}

// Node returns a view of one node.
func (s *MeshState) Node(id string) (core.NodeView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.engine.Network.MustNode(id)
	if err != nil {
		return core.NodeView{}, err
	}
	return n.View(), nil
}

// Connect creates (or returns) the link between two nodes.
func (s *MeshState) Connect(receiving, sending string, delay int) (core.ConnectionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.engine.Network.Connect(receiving, sending, delay)
	if err != nil {
		return core.ConnectionView{}, err
	}
	return c.View(), nil
}

// withNode runs fn on the node under the lock.
func (s *MeshState) withNode(id string, fn func(n *core.Node) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.engine.Network.MustNode(id)
	if err != nil {
		return false, err
	}
	return fn(n), nil
}

// Broadcast starts a proximity probe from the node.
func (s *MeshState) Broadcast(id string, rangeUnits float64) (bool, error) {
	return s.withNode(id, func(n *core.Node) bool {
		return n.SendDiscoveryBroadcast(rangeUnits)
	})
}

// Announce advertises the node's service.
func (s *MeshState) Announce(id, serviceType string) (bool, error) {
	return s.withNode(id, func(n *core.Node) bool {
		return n.AnnounceService(serviceType)
	})
}

// RequestConnection asks the node to connect to a service it holds a record
// for.
func (s *MeshState) RequestConnection(id, serviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.engine.Network.MustNode(id)
	if err != nil {
		return false, err
	}
	rec, ok := n.ServiceRecord(serviceID)
	if !ok {
		return false, fmt.Errorf("%w: %s has no record for %q", ErrServiceUnknown, id, serviceID)
	}
	return n.RequestServiceConnection(rec), nil
}

// SendData sends a DATA packet, routed when dest is not a neighbour.
func (s *MeshState) SendData(src, dest, label, message string) (bool, error) {
	return s.withNode(src, func(n *core.Node) bool {
		return n.SendPacket(dest, model.PacketKindData, model.DataPayload{Label: label, Message: message})
	})
}

// Toggle flips the node's enabled flag and returns the new value.
func (s *MeshState) Toggle(id string) (bool, error) {
	return s.withNode(id, func(n *core.Node) bool {
		return n.ToggleEnabled()
	})
}

// SetKind switches the node between relay and service.
func (s *MeshState) SetKind(id, kind string) error {
	k, err := model.ParseNodeKind(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeInvalid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.engine.Network.MustNode(id)
	if err != nil {
		return err
	}
	return n.SetKind(k)
}

// DiscoverPath starts a path discovery from src to target. Its progress is
// available from Discovery.
func (s *MeshState) DiscoverPath(src, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.engine.Network.MustNode(src)
	if err != nil {
		return "", err
	}
	var res *DiscoveryResult
	id, ok := n.DiscoverPath(target, func(path []string, delay int, found bool) {
		// Continuations run on the tick loop with mu held.
		if res == nil {
			return
		}
		res.Path = append([]string(nil), path...)
		res.Delay = delay
		res.Found = found
		res.Settled = !found
		res.Updates++
		res.At = s.engine.Clock.Now()
	})
	if !ok {
		return "", fmt.Errorf("%w: discovery from %s to %q refused", ErrNodeInvalid, src, target)
	}
	res = &DiscoveryResult{ID: id, Source: src, Target: target}
	s.discoveries[id] = res
	return id, nil
}

// Discovery returns the latest result of a discovery started through
// DiscoverPath.
func (s *MeshState) Discovery(id string) (DiscoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.discoveries[id]
	if !ok {
		return DiscoveryResult{}, fmt.Errorf("%w: %q", ErrDiscoveryNotFound, id)
	}
	out := *res
	out.Path = append([]string(nil), res.Path...)
	if !out.Settled {
		if n, ok := s.engine.Network.Node(res.Source); ok && !n.HasPending(id) {
			out.Settled = true
		}
	}
	return out, nil
}

// FindPath computes a path over the live graph.
func (s *MeshState) FindPath(src, dst, strategy string) ([]string, int, error) {
	st, err := core.ParseStrategy(strategy)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Network.FindPath(src, dst, st)
}

// StartTraffic begins a constant DATA flow.
func (s *MeshState) StartTraffic(src, dst string, pps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Network.StartTraffic(src, dst, pps)
}

// StopTraffic ends a flow and reports whether it existed.
func (s *MeshState) StopTraffic(src, dst string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Network.StopTraffic(src, dst)
}

// ApplyScenario loads a scenario into the running simulation.
func (s *MeshState) ApplyScenario(sc *core.Scenario) (*core.ScenarioRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := core.ApplyScenario(s.engine.Network, sc)
	if err != nil {
		return nil, err
	}
	s.log.Info(context.Background(), "scenario applied",
		logging.Int("nodes", len(run.NodeIDs)),
		logging.Int("actions", len(sc.Actions)),
	)
	return run, nil
}
