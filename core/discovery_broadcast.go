package core

import (
	"context"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// DiscoveryBroadcast is an expanding circular proximity probe. Each tick its
// radius grows; nodes newly inside it receive a signal once.
type DiscoveryBroadcast struct {
	net       *Network
	origin    string
	center    model.Position
	radius    float64
	maxRange  float64
	contacted map[string]bool
	done      bool
}

func (b *DiscoveryBroadcast) Origin() string         { return b.origin }
func (b *DiscoveryBroadcast) Center() model.Position { return b.center }
func (b *DiscoveryBroadcast) Radius() float64        { return b.radius }
func (b *DiscoveryBroadcast) Range() float64         { return b.maxRange }
func (b *DiscoveryBroadcast) Done() bool             { return b.done }

// step checks for contacts at the current radius, then grows. The probe
// finishes after the check made at full range.
func (b *DiscoveryBroadcast) step() {
	if b.done {
		return
	}
	if !b.net.isEnabled(b.origin) {
		b.done = true
		return
	}
	b.contact()
	if b.radius >= b.maxRange {
		b.done = true
		return
	}
	b.radius += b.net.params.ProbeGrowth
	if b.radius > b.maxRange {
		b.radius = b.maxRange
	}
}

func (b *DiscoveryBroadcast) contact() {
	for _, node := range b.net.Nodes() {
		if node.id == b.origin || b.contacted[node.id] {
			continue
		}
		d := b.center.DistanceTo(node.pos)
		if d > b.radius {
			continue
		}
		b.contacted[node.id] = true
		node.ReceiveSignal(b.origin, d, b.maxRange)
	}
}

// SendDiscoveryBroadcast starts a proximity probe of the given range centred
// on the node.
func (n *Node) SendDiscoveryBroadcast(rangeUnits float64) bool {
	if !n.enabled {
		return n.refuse("discovery broadcast", ErrNodeDisabled)
	}
	if rangeUnits <= 0 {
		return false
	}
	radius := n.net.params.ProbeInitialRadius
	if radius > rangeUnits {
		radius = rangeUnits
	}
	b := &DiscoveryBroadcast{
		net:       n.net,
		origin:    n.id,
		center:    n.pos,
		radius:    radius,
		maxRange:  rangeUnits,
		contacted: make(map[string]bool),
	}
	n.net.broadcasts = append(n.net.broadcasts, b)
	n.log.Debug(context.Background(), "discovery broadcast started",
		logging.Float64("range", rangeUnits),
	)
	return true
}

// ReceiveSignal handles a proximity probe from another node at distance. A
// first contact creates the link, with this node as the receiving end, and
// schedules a rebroadcast of the same range.
func (n *Node) ReceiveSignal(from string, distance, rangeUnits float64) {
	if !n.enabled || !n.listening {
		return
	}
	sender, ok := n.net.nodes[from]
	if !ok || from == n.id {
		return
	}
	c, created := n.net.connect(n.id, from, n.net.params.LinkDelay(distance))
	if !created {
		return
	}
	n.addNeighbour(sender, c.Delay())
	sender.addNeighbour(n, c.Delay())

	n.net.sched.After(n.net.params.RebroadcastDelay, func() {
		n.SendDiscoveryBroadcast(rangeUnits)
	})
}
