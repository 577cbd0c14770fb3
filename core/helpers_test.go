package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/mesh-simulator/model"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

var testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestSim(t *testing.T, opts ...NetworkOption) *SimulationEngine {
	t.Helper()
	return NewSimulation(testStart, timectrl.Accelerated, opts...)
}

func addNode(t *testing.T, net *Network, id string, kind model.NodeKind, x, y float64) *Node {
	t.Helper()
	n, err := net.AddNode(NodeSpec{ID: id, Kind: kind, Position: model.Position{X: x, Y: y}, Address: "addr-" + id})
	require.NoError(t, err)
	return n
}

// link connects two placed nodes and runs the engine until the link is ACTIVE.
func link(t *testing.T, se *SimulationEngine, receiving, sending string, delay int) *Connection {
	t.Helper()
	c, err := se.Network.Connect(receiving, sending, delay)
	require.NoError(t, err)
	require.True(t, se.RunUntil(time.Minute, func() bool { return c.State() == StateActive }),
		"link %s never became active", c)
	return c
}

// linkAll creates every link first and then waits for all of them together.
func linkAll(t *testing.T, se *SimulationEngine, pairs ...[2]string) []*Connection {
	t.Helper()
	var conns []*Connection
	for _, p := range pairs {
		c, err := se.Network.Connect(p[0], p[1], 5)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	require.True(t, se.RunUntil(time.Minute, func() bool {
		for _, c := range conns {
			if c.State() != StateActive {
				return false
			}
		}
		return true
	}))
	return conns
}

type recordingMetrics struct {
	noopMetrics

	mu        sync.Mutex
	sent      map[model.PacketKind]int
	rejected  []string
	resets    int
	outcomes  []string
	results   []string
	pathCalls int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{sent: make(map[model.PacketKind]int)}
}

func (m *recordingMetrics) PacketSent(kind model.PacketKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[kind]++
}

func (m *recordingMetrics) PacketRejected(kind model.PacketKind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, kind.String()+":"+reason)
}

func (m *recordingMetrics) ConnectionReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *recordingMetrics) DiscoveryOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) ServiceConnectionResult(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, outcome)
}

func (m *recordingMetrics) PathComputed(string, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathCalls++
}

func (m *recordingMetrics) outcomesExcept(skip string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, o := range m.outcomes {
		if o != skip {
			out = append(out, o)
		}
	}
	return out
}
