package core

import (
	"time"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// NodeView is a read-only copy of a node's state.
type NodeView struct {
	ID           string
	Kind         model.NodeKind
	Position     model.Position
	Address      string
	ServiceType  string
	Enabled      bool
	Listening    bool
	Neighbours   []model.Neighbour
	Services     []model.ServiceRecord
	Sessions     []model.ServiceSession
	Pending      int
	DataReceived int
}

// PacketView is a read-only copy of an in-flight packet.
type PacketView struct {
	ID          string
	Kind        model.PacketKind
	Source      string
	Destination string
	Progress    float64
}

// ConnectionView is a read-only copy of a link's state.
type ConnectionView struct {
	Receiving         string
	Sending           string
	Delay             int
	State             ConnectionState
	Failed            bool
	ServiceConnection bool
	HandshakeProgress float64
	EstablishedAt     time.Time
	LastActivity      time.Time
	InFlight          []PacketView
	Queued            int
}

// BroadcastView is a read-only copy of a proximity probe.
type BroadcastView struct {
	Origin string
	Center model.Position
	Radius float64
	Range  float64
}

// Snapshot is everything a renderer needs for one frame.
type Snapshot struct {
	Time        time.Time
	Nodes       []NodeView
	Connections []ConnectionView
	Broadcasts  []BroadcastView
	Traffic     []TrafficStats
}

// View returns a read-only copy of the node.
func (n *Node) View() NodeView {
	return NodeView{
		ID:           n.id,
		Kind:         n.kind,
		Position:     n.pos,
		Address:      n.address,
		ServiceType:  n.serviceType,
		Enabled:      n.enabled,
		Listening:    n.listening,
		Neighbours:   n.Neighbours(),
		Services:     n.ServiceRecords(),
		Sessions:     n.Sessions(),
		Pending:      len(n.pending),
		DataReceived: n.dataReceived,
	}
}

// View returns a read-only copy of the link.
func (c *Connection) View() ConnectionView {
	v := ConnectionView{
		Receiving:         c.receiving,
		Sending:           c.sending,
		Delay:             c.delay,
		State:             c.state,
		Failed:            c.Failed(),
		ServiceConnection: c.isServiceConnection,
		HandshakeProgress: c.lineProgress,
		EstablishedAt:     c.establishedAt,
		LastActivity:      c.lastActivity,
		Queued:            len(c.queue),
	}
	for _, p := range c.inFlight {
		v.InFlight = append(v.InFlight, PacketView{
			ID:          p.ID,
			Kind:        p.Kind,
			Source:      p.Source,
			Destination: p.Destination,
			Progress:    p.Progress,
		})
	}
	return v
}

// Snapshot copies the whole network state.
func (n *Network) Snapshot() Snapshot {
	s := Snapshot{
		Time:    n.clock.Now(),
		Traffic: n.Traffic(),
	}
	for _, node := range n.Nodes() {
		s.Nodes = append(s.Nodes, node.View())
	}
	for _, c := range n.conns {
		s.Connections = append(s.Connections, c.View())
	}
	for _, b := range n.broadcasts {
		s.Broadcasts = append(s.Broadcasts, BroadcastView{
			Origin: b.origin,
			Center: b.center,
			Radius: b.radius,
			Range:  b.maxRange,
		})
	}
	return s
}
