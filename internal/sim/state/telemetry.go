package state

import (
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/mesh-simulator/core"
)

// LinkMetrics is the last sampled condition of one connection.
type LinkMetrics struct {
	// Receiving and Sending are the link's endpoints.
	Receiving string
	Sending   string

	State    string
	Delay    int
	InFlight int
	Queued   int

	// Failed is true when either endpoint is disabled.
	Failed bool

	// ServiceConnection marks links carrying an established service session.
	ServiceConnection bool

	// Resets counts observed transitions back to HANDSHAKING after the link
	// had been ACTIVE.
	Resets int

	SampledAt time.Time
}

// NodeMetrics is the last sampled condition of one node.
type NodeMetrics struct {
	NodeID       string
	Enabled      bool
	Neighbours   int
	Services     int
	Sessions     int
	Pending      int
	DataReceived int
	// DataRate is DATA packets received per simulated second since the
	// previous sample.
	DataRate float64

	SampledAt time.Time
}

// TelemetryState is a concurrency-safe store of sampled link and node
// metrics.
type TelemetryState struct {
	mu    sync.RWMutex
	links map[string]*LinkMetrics // key: "receiving/sending"
	nodes map[string]*NodeMetrics
}

// NewTelemetryState creates a new TelemetryState instance.
func NewTelemetryState() *TelemetryState {
	return &TelemetryState{
		links: make(map[string]*LinkMetrics),
		nodes: make(map[string]*NodeMetrics),
	}
}

func linkKey(receiving, sending string) string {
	return receiving + "/" + sending
}

// Sample folds a network snapshot into the store.
func (t *TelemetryState) Sample(snap core.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range snap.Connections {
		key := linkKey(c.Receiving, c.Sending)
		prev := t.links[key]
		m := &LinkMetrics{
			Receiving:         c.Receiving,
			Sending:           c.Sending,
			State:             c.State.String(),
			Delay:             c.Delay,
			InFlight:          len(c.InFlight),
			Queued:            c.Queued,
			Failed:            c.Failed,
			ServiceConnection: c.ServiceConnection,
			SampledAt:         snap.Time,
		}
		if prev != nil {
			m.Resets = prev.Resets
			if prev.State == core.StateActive.String() && c.State == core.StateHandshaking {
				m.Resets++
			}
		}
		t.links[key] = m
	}

	for _, n := range snap.Nodes {
		prev := t.nodes[n.ID]
		m := &NodeMetrics{
			NodeID:       n.ID,
			Enabled:      n.Enabled,
			Neighbours:   len(n.Neighbours),
			Services:     len(n.Services),
			Sessions:     len(n.Sessions),
			Pending:      n.Pending,
			DataReceived: n.DataReceived,
			SampledAt:    snap.Time,
		}
		if prev != nil {
			if dt := snap.Time.Sub(prev.SampledAt).Seconds(); dt > 0 {
				m.DataRate = float64(n.DataReceived-prev.DataReceived) / dt
			}
		}
		t.nodes[n.ID] = m
	}
}

// GetLink returns a copy of the metrics for the link, or nil.
func (t *TelemetryState) GetLink(receiving, sending string) *LinkMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.links[linkKey(receiving, sending)]
	if !ok {
		m, ok = t.links[linkKey(sending, receiving)]
	}
	if !ok || m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// GetNode returns a copy of the metrics for the node, or nil.
func (t *TelemetryState) GetNode(id string) *NodeMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.nodes[id]
	if !ok || m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// ListLinks returns copies of every link's metrics ordered by key.
func (t *TelemetryState) ListLinks() []LinkMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.links))
	for k := range t.links {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]LinkMetrics, 0, len(keys))
	for _, k := range keys {
		out = append(out, *t.links[k])
	}
	return out
}

// ListNodes returns copies of every node's metrics ordered by ID.
func (t *TelemetryState) ListNodes() []NodeMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]NodeMetrics, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Clear drops every sample.
func (t *TelemetryState) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links = make(map[string]*LinkMetrics)
	t.nodes = make(map[string]*NodeMetrics)
}
