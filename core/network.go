package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/kb"
	"github.com/signalsfoundry/mesh-simulator/model"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

// Network is the simulation context. It owns every Node and Connection;
// components refer to each other by node ID and resolve through it.
//
// A Network is not safe for concurrent use. All mutation happens on the
// goroutine that calls Tick.
type Network struct {
	clock   timectrl.SimClock
	sched   sched.EventScheduler
	params  Params
	log     logging.Logger
	metrics MetricsRecorder
	store   kb.Store
	finder  *PathFinder

	nodes     map[string]*Node
	nodeOrder []string

	conns []*Connection
	pairs map[pairKey]*Connection

	broadcasts []*DiscoveryBroadcast
	traffic    map[string]*trafficFlow
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithParams overrides the protocol constants. Zero fields keep defaults.
func WithParams(p Params) NetworkOption {
	return func(n *Network) { n.params = p.WithDefaults() }
}

// WithLogger sets the logger used by the network and everything it owns.
func WithLogger(l logging.Logger) NetworkOption {
	return func(n *Network) {
		if l != nil {
			n.log = l
		}
	}
}

// WithMetricsRecorder routes protocol events to m.
func WithMetricsRecorder(m MetricsRecorder) NetworkOption {
	return func(n *Network) {
		if m != nil {
			n.metrics = m
		}
	}
}

// WithStore persists node records and catalogs to s.
func WithStore(s kb.Store) NetworkOption {
	return func(n *Network) { n.store = s }
}

// NewNetwork creates an empty network driven by clock and s.
func NewNetwork(clock timectrl.SimClock, s sched.EventScheduler, opts ...NetworkOption) *Network {
	n := &Network{
		clock:   clock,
		sched:   s,
		params:  DefaultParams(),
		log:     logging.Noop(),
		metrics: noopMetrics{},
		nodes:   make(map[string]*Node),
		pairs:   make(map[pairKey]*Connection),
		traffic: make(map[string]*trafficFlow),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.finder = NewPathFinder(n.metrics)
	return n
}

// Params returns the protocol constants in effect.
func (n *Network) Params() Params { return n.params }

// Now returns the current simulation time.
func (n *Network) Now() time.Time { return n.clock.Now() }

// Scheduler returns the event scheduler driving the network's timers.
func (n *Network) Scheduler() sched.EventScheduler { return n.sched }

// NodeSpec describes a node to place.
type NodeSpec struct {
	ID       string
	Kind     model.NodeKind
	Position model.Position
	Address  string
	// Disabled places the node switched off.
	Disabled bool
}

// AddNode places a node. IDs are unique for the lifetime of the network.
func (n *Network) AddNode(spec NodeSpec) (*Node, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNodeInvalid)
	}
	if _, exists := n.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrNodeExists, id)
	}
	kind := spec.Kind
	if kind == "" {
		kind = model.NodeKindRelay
	}
	if kind != model.NodeKindRelay && kind != model.NodeKindService {
		return nil, fmt.Errorf("%w: kind %q", ErrNodeInvalid, kind)
	}

	node := newNode(n, id, kind, spec.Position, spec.Address)
	node.enabled = !spec.Disabled
	n.nodes[id] = node
	n.nodeOrder = append(n.nodeOrder, id)
	node.persist()

	n.log.Info(context.Background(), "node placed",
		logging.String("node_id", id),
		logging.String("kind", string(kind)),
		logging.Float64("x", spec.Position.X),
		logging.Float64("y", spec.Position.Y),
	)
	return node, nil
}

// Node returns the node with the given ID.
func (n *Network) Node(id string) (*Node, bool) {
	node, ok := n.nodes[id]
	return node, ok
}

// MustNode returns the node with the given ID or an ErrNodeNotFound error.
func (n *Network) MustNode(id string) (*Node, error) {
	node, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return node, nil
}

// Nodes returns every node in placement order.
func (n *Network) Nodes() []*Node {
	out := make([]*Node, 0, len(n.nodeOrder))
	for _, id := range n.nodeOrder {
		out = append(out, n.nodes[id])
	}
	return out
}

// Connections returns every connection in creation order.
func (n *Network) Connections() []*Connection {
	return append([]*Connection(nil), n.conns...)
}

// ConnectionBetween returns the link joining a and b, in either direction.
func (n *Network) ConnectionBetween(a, b string) (*Connection, bool) {
	c, ok := n.pairs[makePairKey(a, b)]
	return c, ok
}

func (n *Network) connectionsOf(id string) []*Connection {
	var out []*Connection
	for _, c := range n.conns {
		if c.Touches(id) {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) isEnabled(id string) bool {
	node, ok := n.nodes[id]
	return ok && node.enabled
}

type pairKey struct{ lo, hi string }

func makePairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// connect creates the link for a new pair. It returns false when the pair is
// already linked.
func (n *Network) connect(receiving, sending string, delay int) (*Connection, bool) {
	if receiving == sending {
		return nil, false
	}
	key := makePairKey(receiving, sending)
	if existing, ok := n.pairs[key]; ok {
		return existing, false
	}
	c := newConnection(n, receiving, sending, delay)
	n.pairs[key] = c
	n.conns = append(n.conns, c)
	c.log.Info(context.Background(), "link created")
	return c, true
}

// Connect links two placed nodes directly, as if a proximity probe from
// sending had reached receiving at distance. Scenario scripts and tests use it
// to build topologies without waiting for probes.
func (n *Network) Connect(receiving, sending string, delay int) (*Connection, error) {
	a, err := n.MustNode(receiving)
	if err != nil {
		return nil, err
	}
	b, err := n.MustNode(sending)
	if err != nil {
		return nil, err
	}
	if receiving == sending {
		return nil, fmt.Errorf("%w: cannot link %q to itself", ErrNodeInvalid, receiving)
	}
	c, created := n.connect(receiving, sending, delay)
	if created {
		a.addNeighbour(b, c.Delay())
		b.addNeighbour(a, c.Delay())
	}
	return c, nil
}

// deliver hands an arrived packet to the endpoint it was travelling to.
func (n *Network) deliver(c *Connection, p *model.Packet) {
	node, ok := n.nodes[c.Other(p.Source)]
	if !ok {
		return
	}
	node.HandlePacket(c, p)
}

// shareCatalogs pushes the catalog of the only endpoint holding one to the
// other. It reports whether a push took place.
func (n *Network) shareCatalogs(c *Connection) bool {
	a, okA := n.nodes[c.receiving]
	b, okB := n.nodes[c.sending]
	if !okA || !okB {
		return false
	}
	hasA, hasB := len(a.catalog) > 0, len(b.catalog) > 0
	switch {
	case hasA && !hasB:
		a.pushCatalog(b, c)
	case hasB && !hasA:
		b.pushCatalog(a, c)
	default:
		return false
	}
	return true
}

// Graph builds the routing graph from the current links.
func (n *Network) Graph() *Graph {
	return BuildGraph(n.conns)
}

// FindPath routes src to dst over the current links.
func (n *Network) FindPath(src, dst string, strategy Strategy) ([]string, int, error) {
	return n.finder.FindPath(n.Graph(), src, dst, strategy)
}

// Tick runs one simulation step at the clock's current time: due timers
// first, then proximity probes, then every link.
func (n *Network) Tick() {
	now := n.clock.Now()
	n.sched.RunDue()

	// Handlers may add broadcasts and links while we iterate.
	for _, b := range append([]*DiscoveryBroadcast(nil), n.broadcasts...) {
		b.step()
	}
	live := n.broadcasts[:0]
	for _, b := range n.broadcasts {
		if !b.Done() {
			live = append(live, b)
		}
	}
	n.broadcasts = live

	for _, c := range n.Connections() {
		c.Update(now)
	}

	n.reportCounts()
	n.metrics.Tick()
}

func (n *Network) reportCounts() {
	var handshaking, established, active int
	for _, c := range n.conns {
		switch c.state {
		case StateHandshaking:
			handshaking++
		case StateEstablished:
			established++
		case StateActive:
			active++
		}
	}
	n.metrics.SetConnectionCounts(handshaking, established, active)

	var enabled, disabled int
	for _, node := range n.nodes {
		if node.enabled {
			enabled++
		} else {
			disabled++
		}
	}
	n.metrics.SetNodeCounts(enabled, disabled)
}

// Broadcasts returns the proximity probes still expanding.
func (n *Network) Broadcasts() []*DiscoveryBroadcast {
	return append([]*DiscoveryBroadcast(nil), n.broadcasts...)
}

// LoadFromStore places every node found in the store, restoring kind,
// position, enabled flag and service catalog. Links are not restored; the
// neighbour tables they left behind are informational only.
func (n *Network) LoadFromStore() (int, error) {
	if n.store == nil {
		return 0, nil
	}
	ids, err := n.store.NodeIDs()
	if err != nil {
		return 0, fmt.Errorf("list stored nodes: %w", err)
	}
	loaded := 0
	for _, id := range ids {
		if _, exists := n.nodes[id]; exists {
			continue
		}
		rec, err := n.store.LoadNode(id)
		if err != nil {
			return loaded, err
		}
		kind, err := model.ParseNodeKind(rec.Kind)
		if err != nil {
			return loaded, fmt.Errorf("%w: %v", kb.ErrNodeRecordInvalid, err)
		}
		node := newNode(n, rec.ID, kind, model.Position{X: rec.X, Y: rec.Y}, rec.Address)
		node.enabled = rec.Enabled
		for _, nb := range rec.Neighbours {
			nk, _ := model.ParseNodeKind(nb.Kind)
			node.neighbours[nb.ID] = model.Neighbour{ID: nb.ID, Delay: nb.Delay, Kind: nk}
		}
		entries, err := n.store.LoadServices(id)
		if err != nil {
			return loaded, err
		}
		for _, e := range entries {
			node.catalog[e.ServiceID] = e.Record()
		}
		n.nodes[id] = node
		n.nodeOrder = append(n.nodeOrder, id)
		loaded++
	}
	n.log.Info(context.Background(), "nodes restored from store", logging.Int("count", loaded))
	return loaded, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
