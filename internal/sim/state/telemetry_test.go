package state

import (
	"testing"
	"time"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/model"
)

var sampleStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func snapshotAt(at time.Time, state core.ConnectionState, data int) core.Snapshot {
	return core.Snapshot{
		Time: at,
		Nodes: []core.NodeView{
			{ID: "a", Enabled: true, Neighbours: []model.Neighbour{{ID: "b", Delay: 3}}},
			{ID: "b", Enabled: true, DataReceived: data, Services: []model.ServiceRecord{{ServiceID: "b", Path: []string{"b"}}}},
		},
		Connections: []core.ConnectionView{
			{Receiving: "a", Sending: "b", Delay: 3, State: state, Queued: 2},
		},
	}
}

func TestTelemetryState_SampleStoresLinksAndNodes(t *testing.T) {
	ts := NewTelemetryState()
	ts.Sample(snapshotAt(sampleStart, core.StateActive, 0))

	link := ts.GetLink("a", "b")
	if link == nil {
		t.Fatalf("expected link metrics")
	}
	if link.State != "ACTIVE" || link.Delay != 3 || link.Queued != 2 {
		t.Fatalf("unexpected link metrics: %+v", link)
	}
	if rev := ts.GetLink("b", "a"); rev == nil {
		t.Fatalf("link lookup should accept either endpoint order")
	}

	node := ts.GetNode("b")
	if node == nil || node.Services != 1 {
		t.Fatalf("unexpected node metrics: %+v", node)
	}
	if a := ts.GetNode("a"); a == nil || a.Neighbours != 1 {
		t.Fatalf("unexpected node metrics for a: %+v", a)
	}
}

func TestTelemetryState_CountsResetsAndRates(t *testing.T) {
	ts := NewTelemetryState()
	ts.Sample(snapshotAt(sampleStart, core.StateActive, 0))
	ts.Sample(snapshotAt(sampleStart.Add(2*time.Second), core.StateHandshaking, 10))

	link := ts.GetLink("a", "b")
	if link.Resets != 1 {
		t.Fatalf("Resets = %d, want 1", link.Resets)
	}
	node := ts.GetNode("b")
	if node.DataRate != 5 {
		t.Fatalf("DataRate = %v, want 5", node.DataRate)
	}

	// Staying in HANDSHAKING is not another reset.
	ts.Sample(snapshotAt(sampleStart.Add(3*time.Second), core.StateHandshaking, 10))
	if got := ts.GetLink("a", "b").Resets; got != 1 {
		t.Fatalf("Resets after idle sample = %d, want 1", got)
	}
}

func TestTelemetryState_ReturnsCopies(t *testing.T) {
	ts := NewTelemetryState()
	ts.Sample(snapshotAt(sampleStart, core.StateActive, 0))

	out := ts.GetLink("a", "b")
	out.State = "mutated"
	if ts.GetLink("a", "b").State != "ACTIVE" {
		t.Fatalf("GetLink returned internal pointer")
	}

	nodes := ts.ListNodes()
	if len(nodes) != 2 || nodes[0].NodeID != "a" || nodes[1].NodeID != "b" {
		t.Fatalf("ListNodes = %+v", nodes)
	}
	if links := ts.ListLinks(); len(links) != 1 {
		t.Fatalf("ListLinks = %+v", links)
	}
}

func TestTelemetryState_MissingAndClear(t *testing.T) {
	ts := NewTelemetryState()
	if ts.GetLink("x", "y") != nil || ts.GetNode("x") != nil {
		t.Fatalf("expected nil for unknown entries")
	}
	ts.Sample(snapshotAt(sampleStart, core.StateActive, 0))
	ts.Clear()
	if len(ts.ListLinks()) != 0 || len(ts.ListNodes()) != 0 {
		t.Fatalf("Clear left samples behind")
	}
}
