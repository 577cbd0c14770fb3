package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// ConnectionState is the lifecycle state of a link.
type ConnectionState int

const (
	StateHandshaking ConnectionState = iota
	StateEstablished
	StateActive
)

func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Connection is a stateful link between two nodes. Endpoints are held by ID
// and resolved through the owning Network.
type Connection struct {
	net *Network
	log logging.Logger

	// receiving answered the proximity probe and sends the SYN; sending
	// originated the probe and answers with the ACK.
	receiving string
	sending   string
	delay     int

	state        ConnectionState
	lineProgress float64
	synSent      bool
	synLanded    bool
	ackSent      bool
	ackLanded    bool

	inFlight []*model.Packet
	queue    []*model.Packet

	establishedAt time.Time
	lastActivity  time.Time
	lastRelease   time.Time

	isServiceConnection bool
	catalogShared       bool

	activation sched.CancelHandle
}

func newConnection(net *Network, receiving, sending string, delay int) *Connection {
	if delay < 1 {
		delay = 1
	}
	c := &Connection{
		net:       net,
		receiving: receiving,
		sending:   sending,
		delay:     delay,
		state:     StateHandshaking,
	}
	c.log = net.log.With(
		logging.String("link", c.String()),
		logging.Int("delay_ms", delay),
	)
	c.lastActivity = net.clock.Now()
	return c
}

func (c *Connection) String() string {
	return c.receiving + "<->" + c.sending
}

// NodeA and NodeB return the endpoints; NodeA is the receiving side.
func (c *Connection) NodeA() string { return c.receiving }
func (c *Connection) NodeB() string { return c.sending }

// Receiving returns the endpoint that answered the proximity probe.
func (c *Connection) Receiving() string { return c.receiving }

// Sending returns the endpoint that originated the proximity probe.
func (c *Connection) Sending() string { return c.sending }

// Delay returns the link delay in milliseconds.
func (c *Connection) Delay() int { return c.delay }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState { return c.state }

// EstablishedAt returns when the handshake last completed.
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }

// LastActivity returns when a packet was last sent or delivered.
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// IsServiceConnection reports whether a service session runs over the link.
func (c *Connection) IsServiceConnection() bool { return c.isServiceConnection }

// HandshakeProgress returns the handshake line progress in [0,1].
func (c *Connection) HandshakeProgress() float64 { return c.lineProgress }

// InFlight returns a copy of the packets currently on the wire.
func (c *Connection) InFlight() []model.Packet {
	out := make([]model.Packet, 0, len(c.inFlight))
	for _, p := range c.inFlight {
		out = append(out, *p)
	}
	return out
}

// QueueLen returns the number of packets waiting to be released.
func (c *Connection) QueueLen() int { return len(c.queue) }

// Touches reports whether id is one of the endpoints.
func (c *Connection) Touches(id string) bool {
	return id == c.receiving || id == c.sending
}

// Other returns the endpoint opposite id, or "" if id is not an endpoint.
func (c *Connection) Other(id string) string {
	switch id {
	case c.receiving:
		return c.sending
	case c.sending:
		return c.receiving
	default:
		return ""
	}
}

// EndpointsEnabled reports whether both endpoints are enabled.
func (c *Connection) EndpointsEnabled() bool {
	return c.net.isEnabled(c.receiving) && c.net.isEnabled(c.sending)
}

// Usable reports whether the link may appear in the routing graph.
func (c *Connection) Usable() bool {
	switch c.state {
	case StateHandshaking, StateEstablished, StateActive:
		return c.EndpointsEnabled()
	default:
		return false
	}
}

// Failed reports whether the link is rendered as failed because an endpoint
// is disabled.
func (c *Connection) Failed() bool { return !c.EndpointsEnabled() }

// Permits reports whether the current state admits packets of kind.
func (c *Connection) Permits(kind model.PacketKind) bool {
	switch c.state {
	case StateHandshaking:
		return kind.IsHandshake() || kind.IsPathDiscovery()
	case StateEstablished:
		return kind.IsHandshake() || kind.IsNegotiation()
	case StateActive:
		return kind != model.PacketKindUnknown
	default:
		return false
	}
}

// Send admits p onto the link. Handshake and negotiation packets go straight
// onto the wire; everything else on an ACTIVE link joins the FIFO queue.
func (c *Connection) Send(p *model.Packet) error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", ErrLinkUnusable)
	}
	if !c.EndpointsEnabled() {
		c.reject(p, "endpoint_disabled")
		return fmt.Errorf("%w: endpoint disabled on %s", ErrLinkUnusable, c)
	}
	other := c.Other(p.Source)
	if other == "" || p.NextHop() != other {
		c.reject(p, "destination_mismatch")
		return fmt.Errorf("%w: %s -> %s on %s", ErrDestinationMismatch, p.Source, p.NextHop(), c)
	}
	if !c.Permits(p.Kind) {
		c.reject(p, "state")
		return fmt.Errorf("%w: %s not permitted while %s", ErrLinkUnusable, p.Kind, c.state)
	}

	c.lastActivity = c.net.clock.Now()
	p.Progress = 0
	if c.state == StateActive && !p.Kind.IsHandshake() && !p.Kind.IsNegotiation() {
		c.queue = append(c.queue, p)
	} else {
		c.inFlight = append(c.inFlight, p)
	}
	c.net.metrics.PacketSent(p.Kind)
	return nil
}

func (c *Connection) reject(p *model.Packet, reason string) {
	c.net.metrics.PacketRejected(p.Kind, reason)
	c.log.Debug(context.Background(), "packet rejected",
		logging.String("kind", p.Kind.String()),
		logging.String("source", p.Source),
		logging.String("reason", reason),
		logging.String("state", c.state.String()),
	)
}

// Update advances the link by one tick.
func (c *Connection) Update(now time.Time) {
	if !c.EndpointsEnabled() {
		return
	}

	switch c.state {
	case StateHandshaking:
		c.advanceHandshake()
	case StateActive:
		if now.Sub(c.lastActivity) >= c.net.params.IdleTTL {
			c.Reset()
			return
		}
	}

	c.advanceInFlight(now)

	if c.state == StateHandshaking && c.synLanded && c.ackLanded && len(c.inFlight) == 0 {
		c.establish(now)
	}
	if c.state == StateActive {
		c.releaseQueued(now)
	}
}

func (c *Connection) advanceHandshake() {
	if c.synSent {
		return
	}
	c.lineProgress += c.net.params.HandshakeStep
	if c.lineProgress < 1 {
		return
	}
	c.lineProgress = 1
	syn, err := model.NewPacket(c.receiving, c.sending, model.PacketKindSYN, nil)
	if err != nil {
		return
	}
	if err := c.Send(syn); err != nil {
		c.log.Warn(context.Background(), "SYN not sent", logging.Err(err))
		return
	}
	c.synSent = true
}

func (c *Connection) advanceInFlight(now time.Time) {
	if len(c.inFlight) == 0 {
		return
	}
	var arrived []*model.Packet
	remaining := c.inFlight[:0]
	for _, p := range c.inFlight {
		if p.Advance(c.net.params.PacketStep) {
			arrived = append(arrived, p)
			continue
		}
		remaining = append(remaining, p)
	}
	c.inFlight = remaining

	for _, p := range arrived {
		c.lastActivity = now
		c.net.metrics.PacketDelivered(p.Kind)
		c.arrive(p)
	}
}

func (c *Connection) arrive(p *model.Packet) {
	switch p.Kind {
	case model.PacketKindSYN:
		c.synLanded = true
		if c.ackSent {
			return
		}
		ack, err := model.NewPacket(c.sending, c.receiving, model.PacketKindACK, nil)
		if err != nil {
			return
		}
		if err := c.Send(ack); err != nil {
			c.log.Warn(context.Background(), "ACK not sent", logging.Err(err))
			return
		}
		c.ackSent = true
	case model.PacketKindACK:
		c.ackLanded = true
	default:
		c.net.deliver(c, p)
	}
}

func (c *Connection) establish(now time.Time) {
	c.state = StateEstablished
	c.establishedAt = now
	c.lastActivity = now
	c.activation = c.net.sched.After(c.net.params.ActivationDwell, c.activate)
	c.log.Info(context.Background(), "link established")
}

func (c *Connection) activate() {
	if c.state != StateEstablished {
		return
	}
	c.state = StateActive
	c.lastActivity = c.net.clock.Now()
	c.lastRelease = time.Time{}
	c.log.Info(context.Background(), "link active")

	if !c.catalogShared {
		c.catalogShared = c.net.shareCatalogs(c)
	}
}

// releaseQueued moves the queue head onto the wire once the time since the
// previous release reaches delay × current queue length.
func (c *Connection) releaseQueued(now time.Time) {
	if len(c.queue) == 0 {
		return
	}
	required := time.Duration(c.delay*len(c.queue)) * time.Millisecond
	if !c.lastRelease.IsZero() && now.Sub(c.lastRelease) < required {
		return
	}
	head := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.inFlight = append(c.inFlight, head)
	c.lastRelease = now
}

// Reset tears the link back down to HANDSHAKING, dropping queued and
// in-flight packets.
func (c *Connection) Reset() {
	prev := c.state
	c.activation.Cancel()
	c.activation = sched.CancelHandle{}
	c.state = StateHandshaking
	c.lineProgress = 0
	c.synSent, c.synLanded, c.ackSent, c.ackLanded = false, false, false, false
	c.inFlight = nil
	c.queue = nil
	c.isServiceConnection = false
	c.lastRelease = time.Time{}
	c.lastActivity = c.net.clock.Now()
	c.net.metrics.ConnectionReset()
	c.log.Info(context.Background(), "link reset after idle timeout",
		logging.String("from_state", prev.String()),
	)
}

// MarkServiceConnection flags the link as carrying a service session and
// refreshes its idle timer.
func (c *Connection) MarkServiceConnection() {
	c.isServiceConnection = true
	c.lastActivity = c.net.clock.Now()
}
