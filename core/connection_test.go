package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/mesh-simulator/kb"
	"github.com/signalsfoundry/mesh-simulator/model"
)

func TestProximityLinkActivatesAfterDwell(t *testing.T) {
	store := kb.NewKnowledgeBase()
	se := newTestSim(t, WithStore(store))
	net := se.Network
	a := addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	addNode(t, net, "B", model.NodeKindRelay, 90, 0)

	require.True(t, a.SendDiscoveryBroadcast(100))

	var c *Connection
	require.True(t, se.RunUntil(time.Second, func() bool {
		var ok bool
		c, ok = net.ConnectionBetween("A", "B")
		return ok
	}))
	assert.Equal(t, 9, c.Delay())
	assert.Equal(t, "B", c.Receiving())
	assert.Equal(t, "A", c.Sending())
	assert.Equal(t, StateHandshaking, c.State())

	recA, err := store.LoadNode("A")
	require.NoError(t, err)
	require.Len(t, recA.Neighbours, 1)
	assert.Equal(t, kb.NeighbourRecord{ID: "B", Delay: 9, Kind: "relay"}, recA.Neighbours[0])

	require.True(t, se.RunUntil(10*time.Second, func() bool { return c.State() == StateEstablished }))
	established := c.EstablishedAt()
	assert.Equal(t, se.Clock.Now(), established)

	se.RunFor(5*time.Second - se.Clock.Tick)
	assert.Equal(t, StateEstablished, c.State())
	se.Step()
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 5*time.Second, se.Clock.Now().Sub(established))
}

func TestHandshakeOrder(t *testing.T) {
	se := newTestSim(t)
	net := se.Network
	addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	addNode(t, net, "B", model.NodeKindRelay, 10, 0)
	c, err := net.Connect("B", "A", 1)
	require.NoError(t, err)

	var kinds []string
	seen := make(map[string]bool)
	se.RegisterTickListener(func(uint64, time.Time) {
		for _, p := range c.InFlight() {
			if !seen[p.ID] {
				seen[p.ID] = true
				kinds = append(kinds, p.Kind.String()+" "+p.Source+"->"+p.Destination)
			}
		}
	})
	require.True(t, se.RunUntil(10*time.Second, func() bool { return c.State() == StateEstablished }))
	assert.Equal(t, []string{"SYN B->A", "ACK A->B"}, kinds)
	assert.Equal(t, 1.0, c.HandshakeProgress())
}

func TestOneConnectionPerPair(t *testing.T) {
	se := newTestSim(t)
	net := se.Network
	a := addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	b := addNode(t, net, "B", model.NodeKindRelay, 30, 0)
	addNode(t, net, "C", model.NodeKindRelay, 30, 30)

	require.True(t, a.SendDiscoveryBroadcast(60))
	require.True(t, b.SendDiscoveryBroadcast(60))
	se.RunFor(5 * time.Second)

	pairs := make(map[pairKey]int)
	for _, c := range net.Connections() {
		pairs[makePairKey(c.NodeA(), c.NodeB())]++
	}
	for k, count := range pairs {
		assert.Equal(t, 1, count, "pair %v", k)
	}
	assert.Len(t, pairs, 3)

	_, err := net.Connect("A", "B", 3)
	require.NoError(t, err)
	assert.Len(t, net.Connections(), 3)
}

func TestSendAdmission(t *testing.T) {
	se := newTestSim(t)
	net := se.Network
	addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	addNode(t, net, "B", model.NodeKindRelay, 10, 0)
	addNode(t, net, "C", model.NodeKindRelay, 20, 0)
	c, err := net.Connect("B", "A", 1)
	require.NoError(t, err)

	data := func(src, dst string) *model.Packet {
		p, err := model.NewPacket(src, dst, model.PacketKindData, model.DataPayload{Label: "x"})
		require.NoError(t, err)
		return p
	}
	discovery := func() *model.Packet {
		p, err := model.NewPacket("A", "B", model.PacketKindPathDiscovery, model.PathDiscoveryPayload{DiscoveryID: "d"})
		require.NoError(t, err)
		return p
	}
	request := func() *model.Packet {
		p, err := model.NewPacket("A", "B", model.PacketKindConnectionRequest, model.ConnectionRequestPayload{ServiceID: "B"})
		require.NoError(t, err)
		return p
	}

	// HANDSHAKING: discovery only.
	assert.ErrorIs(t, c.Send(data("A", "B")), ErrLinkUnusable)
	assert.ErrorIs(t, c.Send(request()), ErrLinkUnusable)
	assert.NoError(t, c.Send(discovery()))

	require.True(t, se.RunUntil(10*time.Second, func() bool { return c.State() == StateEstablished }))
	assert.ErrorIs(t, c.Send(data("A", "B")), ErrLinkUnusable)
	assert.NoError(t, c.Send(request()))

	require.True(t, se.RunUntil(10*time.Second, func() bool { return c.State() == StateActive }))
	assert.NoError(t, c.Send(data("A", "B")))
	assert.Equal(t, 1, c.QueueLen())

	assert.ErrorIs(t, c.Send(data("A", "C")), ErrDestinationMismatch)
	assert.ErrorIs(t, c.Send(data("C", "B")), ErrDestinationMismatch)

	routed := data("A", "C")
	routed.Route = []string{"A", "B", "C"}
	assert.NoError(t, c.Send(routed))
}

func TestQueueDrainsInOrderWithBacklogThrottle(t *testing.T) {
	se := newTestSim(t)
	net := se.Network
	a := addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	b := addNode(t, net, "B", model.NodeKindRelay, 100, 0)
	c := link(t, se, "B", "A", 10)

	const n = 5
	for i := range n {
		require.True(t, a.SendPacket("B", model.PacketKindData, model.DataPayload{Label: fmt.Sprint(i)}))
	}
	assert.Equal(t, n, c.QueueLen())

	var got []string
	var releases []time.Time
	lastQueue := c.QueueLen()
	se.RegisterTickListener(func(_ uint64, now time.Time) {
		if q := c.QueueLen(); q < lastQueue {
			releases = append(releases, now)
			lastQueue = q
		}
		if b.DataReceived() > len(got) {
			got = append(got, b.LastData().Payload.(model.DataPayload).Label)
		}
	})
	require.True(t, se.RunUntil(10*time.Second, func() bool { return b.DataReceived() == n }))

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, got)
	require.Len(t, releases, n)
	// After the first release the gap is delay × remaining queue length.
	for i := 1; i < n; i++ {
		want := time.Duration(10*(n-i)) * time.Millisecond
		assert.Equal(t, want, releases[i].Sub(releases[i-1]), "gap before release %d", i)
	}
}

func TestIdleLinkResetsAfterTTL(t *testing.T) {
	metrics := newRecordingMetrics()
	se := newTestSim(t, WithMetricsRecorder(metrics))
	net := se.Network
	a := addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	addNode(t, net, "B", model.NodeKindRelay, 100, 0)
	c := link(t, se, "B", "A", 10)

	se.RunFor(120*time.Second - se.Clock.Tick)
	require.Equal(t, StateActive, c.State())

	// Traffic refreshes the idle timer.
	require.True(t, a.SendPacket("B", model.PacketKindData, nil))
	se.RunFor(120 * time.Second)
	require.Equal(t, StateActive, c.State())

	require.True(t, se.RunUntil(3*time.Minute, func() bool { return c.State() == StateHandshaking }))
	assert.Equal(t, 0, c.QueueLen())
	assert.Empty(t, c.InFlight())
	assert.Equal(t, 0.0, c.HandshakeProgress())
	assert.Equal(t, 1, metrics.resets)
	assert.False(t, a.SendPacket("B", model.PacketKindData, nil))

	require.True(t, se.RunUntil(10*time.Second, func() bool { return c.State() == StateEstablished }))
	require.True(t, se.RunUntil(10*time.Second, func() bool { return c.State() == StateActive }))
	assert.True(t, a.SendPacket("B", model.PacketKindData, nil))
}

func TestResetDropsQueuedPackets(t *testing.T) {
	se := newTestSim(t)
	net := se.Network
	a := addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	addNode(t, net, "B", model.NodeKindRelay, 100, 0)
	c := link(t, se, "B", "A", 10)

	for range 3 {
		require.True(t, a.SendPacket("B", model.PacketKindData, nil))
	}
	se.Step()
	require.NotEmpty(t, c.InFlight())
	c.MarkServiceConnection()

	c.Reset()
	assert.Equal(t, StateHandshaking, c.State())
	assert.Equal(t, 0, c.QueueLen())
	assert.Empty(t, c.InFlight())
	assert.False(t, c.IsServiceConnection())
}

func TestDisabledEndpointFreezesLink(t *testing.T) {
	se := newTestSim(t)
	net := se.Network
	a := addNode(t, net, "A", model.NodeKindRelay, 0, 0)
	b := addNode(t, net, "B", model.NodeKindRelay, 100, 0)
	c, err := net.Connect("B", "A", 10)
	require.NoError(t, err)
	se.Run(10)
	progress := c.HandshakeProgress()

	require.False(t, b.ToggleEnabled())
	assert.True(t, c.Failed())
	assert.False(t, c.Usable())
	se.Run(500)
	assert.Equal(t, StateHandshaking, c.State())
	assert.Equal(t, progress, c.HandshakeProgress())

	p, err := model.NewPacket("A", "B", model.PacketKindPathDiscovery, model.PathDiscoveryPayload{})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(p), ErrLinkUnusable)
	assert.False(t, a.SendPacket("B", model.PacketKindData, nil))

	require.True(t, b.ToggleEnabled())
	require.True(t, se.RunUntil(20*time.Second, func() bool { return c.State() == StateActive }))
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "HANDSHAKING", StateHandshaking.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "ACTIVE", StateActive.String())
	assert.Equal(t, "ConnectionState(9)", ConnectionState(9).String())
}
