package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/kb"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// ServiceHolder is implemented by anything that keeps a service catalog.
type ServiceHolder interface {
	ServiceRecords() []model.ServiceRecord
	ServiceRecord(serviceID string) (model.ServiceRecord, bool)
	// HoldsEqualOrBetter reports whether the holder already has a record for
	// rec.ServiceID that rec would not replace.
	HoldsEqualOrBetter(rec model.ServiceRecord) bool
}

// Enableable is implemented by anything gated by an enabled flag.
type Enableable interface {
	Enabled() bool
	ToggleEnabled() bool
}

var (
	_ ServiceHolder = (*Node)(nil)
	_ Enableable    = (*Node)(nil)
)

// Node is a network endpoint and the home of the protocol handlers.
type Node struct {
	net *Network
	log logging.Logger

	id          string
	kind        model.NodeKind
	pos         model.Position
	address     string
	serviceType string
	enabled     bool
	listening   bool

	neighbours map[string]model.Neighbour
	catalog    map[string]model.ServiceRecord
	sessions   map[string]model.ServiceSession

	pending          map[string]*pendingDiscovery
	seen             *seenSet
	discoveryCounter int
	requests         map[string]*requestChain

	dataReceived int
	lastData     *model.Packet
}

func newNode(net *Network, id string, kind model.NodeKind, pos model.Position, address string) *Node {
	return &Node{
		net:        net,
		log:        net.log.With(logging.String("node_id", id)),
		id:         id,
		kind:       kind,
		pos:        pos,
		address:    address,
		enabled:    true,
		listening:  true,
		neighbours: make(map[string]model.Neighbour),
		catalog:    make(map[string]model.ServiceRecord),
		sessions:   make(map[string]model.ServiceSession),
		pending:    make(map[string]*pendingDiscovery),
		seen:       newSeenSet(net.params.SeenCapacity),
		requests:   make(map[string]*requestChain),
	}
}

func (n *Node) ID() string                   { return n.id }
func (n *Node) Kind() model.NodeKind         { return n.kind }
func (n *Node) Position() model.Position     { return n.pos }
func (n *Node) Address() string              { return n.address }
func (n *Node) ServiceType() string          { return n.serviceType }
func (n *Node) Enabled() bool                { return n.enabled }
func (n *Node) Listening() bool              { return n.listening }
func (n *Node) DataReceived() int            { return n.dataReceived }
func (n *Node) LastData() *model.Packet      { return n.lastData }
func (n *Node) PendingDiscoveries() int      { return len(n.pending) }
func (n *Node) HasPending(id string) bool    { _, ok := n.pending[id]; return ok }
func (n *Node) SeenDiscoveryCount() int      { return n.seen.Len() }
func (n *Node) HasSeen(id string) bool       { return n.seen.Contains(id) }
func (n *Node) String() string               { return n.id }
func (n *Node) IsService() bool              { return n.kind == model.NodeKindService }
func (n *Node) SetListening(on bool)         { n.listening = on }
func (n *Node) SetPosition(p model.Position) { n.pos = p }

// Neighbours returns the adjacency table sorted by neighbour ID.
func (n *Node) Neighbours() []model.Neighbour {
	out := make([]model.Neighbour, 0, len(n.neighbours))
	for _, id := range sortedKeys(n.neighbours) {
		out = append(out, n.neighbours[id])
	}
	return out
}

// ServiceRecords returns the catalog sorted by service ID.
func (n *Node) ServiceRecords() []model.ServiceRecord {
	out := make([]model.ServiceRecord, 0, len(n.catalog))
	for _, id := range sortedKeys(n.catalog) {
		out = append(out, n.catalog[id].Clone())
	}
	return out
}

func (n *Node) ServiceRecord(serviceID string) (model.ServiceRecord, bool) {
	rec, ok := n.catalog[serviceID]
	if !ok {
		return model.ServiceRecord{}, false
	}
	return rec.Clone(), true
}

func (n *Node) HoldsEqualOrBetter(rec model.ServiceRecord) bool {
	existing, ok := n.catalog[rec.ServiceID]
	return ok && !rec.BetterThan(existing)
}

// Sessions returns the established service sessions sorted by service ID.
func (n *Node) Sessions() []model.ServiceSession {
	out := make([]model.ServiceSession, 0, len(n.sessions))
	for _, id := range sortedKeys(n.sessions) {
		s := n.sessions[id]
		s.Path = append([]string(nil), s.Path...)
		out = append(out, s)
	}
	return out
}

// Session returns the session to serviceID, if one was established.
func (n *Node) Session(serviceID string) (model.ServiceSession, bool) {
	s, ok := n.sessions[serviceID]
	if !ok {
		return model.ServiceSession{}, false
	}
	s.Path = append([]string(nil), s.Path...)
	return s, true
}

// ToggleEnabled flips the enabled flag, persists it and returns the new value.
// Pending discoveries and retries are left alone; a disabled node just refuses
// to act until it is enabled again.
func (n *Node) ToggleEnabled() bool {
	n.enabled = !n.enabled
	n.persist()
	n.log.Info(context.Background(), "node toggled", logging.Bool("enabled", n.enabled))
	return n.enabled
}

// SetKind switches the node between relay and service roles. A node that
// stops being a service drops its own catalog entry.
func (n *Node) SetKind(kind model.NodeKind) error {
	if kind != model.NodeKindRelay && kind != model.NodeKindService {
		return fmt.Errorf("%w: kind %q", ErrNodeInvalid, kind)
	}
	if kind == n.kind {
		return nil
	}
	n.kind = kind
	if kind == model.NodeKindRelay {
		if _, ok := n.catalog[n.id]; ok {
			delete(n.catalog, n.id)
			n.persistCatalog()
		}
		n.serviceType = ""
	}
	for _, nb := range n.neighbours {
		if peer, ok := n.net.nodes[nb.ID]; ok {
			if entry, ok := peer.neighbours[n.id]; ok {
				entry.Kind = kind
				peer.neighbours[n.id] = entry
				peer.persist()
			}
		}
	}
	n.persist()
	return nil
}

func (n *Node) addNeighbour(peer *Node, delay int) {
	n.neighbours[peer.id] = model.Neighbour{ID: peer.id, Delay: delay, Kind: peer.kind}
	n.persist()
}

// SendPacket sends a packet of kind to dest. A direct neighbour is reached
// over the shared link. Application data for a node further away is routed
// along the current shortest path and forwarded hop by hop.
func (n *Node) SendPacket(dest string, kind model.PacketKind, payload model.Payload) bool {
	ctx := context.Background()
	if !n.enabled {
		n.log.Warn(ctx, "send refused", logging.Err(ErrNodeDisabled))
		return false
	}
	if dest == n.id {
		return false
	}
	p, err := model.NewPacket(n.id, dest, kind, payload)
	if err != nil {
		n.log.Warn(ctx, "send refused", logging.Err(err))
		return false
	}

	if _, ok := n.net.ConnectionBetween(n.id, dest); !ok && kind == model.PacketKindData {
		path, _, found := Dijkstra(n.net.Graph(), n.id, dest)
		if !found || len(path) < 2 {
			n.log.Warn(ctx, "send refused",
				logging.String("dest", dest),
				logging.Err(ErrNoPathFound),
			)
			return false
		}
		p.Route = path
	}

	if err := n.forward(p); err != nil {
		n.log.Warn(ctx, "send refused",
			logging.String("dest", dest),
			logging.String("kind", kind.String()),
			logging.Err(err),
		)
		return false
	}
	return true
}

// forward puts p on the link towards its next hop.
func (n *Node) forward(p *model.Packet) error {
	next := p.NextHop()
	if next == "" {
		return fmt.Errorf("%w: no next hop after %s", ErrDestinationMismatch, n.id)
	}
	c, ok := n.net.ConnectionBetween(n.id, next)
	if !ok {
		return fmt.Errorf("%w: %s and %s", ErrNoConnection, n.id, next)
	}
	return c.Send(p)
}

// sendTo creates a packet for the neighbour next and sends it.
func (n *Node) sendTo(next string, kind model.PacketKind, payload model.Payload) error {
	p, err := model.NewPacket(n.id, next, kind, payload)
	if err != nil {
		return err
	}
	return n.forward(p)
}

// HandlePacket dispatches an arrived packet to its protocol handler.
func (n *Node) HandlePacket(c *Connection, p *model.Packet) {
	if !n.enabled {
		return
	}
	switch p.Kind {
	case model.PacketKindSYN, model.PacketKindACK:
		// The link consumes its own handshake.
	case model.PacketKindService:
		n.handleService(c, p)
	case model.PacketKindConnectionRequest:
		n.handleConnectionRequest(c, p)
	case model.PacketKindConnectionResponse:
		n.handleConnectionResponse(c, p)
	case model.PacketKindConnectionFailure:
		n.handleConnectionFailure(c, p)
	case model.PacketKindPathDiscovery:
		n.handlePathDiscovery(c, p)
	case model.PacketKindPathResponse:
		n.handlePathResponse(c, p)
	case model.PacketKindData:
		n.handleData(p)
	default:
		n.log.Warn(context.Background(), "packet of unknown kind dropped",
			logging.String("kind", p.Kind.String()),
			logging.String("source", p.Source),
		)
	}
}

func (n *Node) handleData(p *model.Packet) {
	if p.Destination == n.id {
		n.dataReceived++
		cp := *p
		n.lastData = &cp
		return
	}
	if len(p.Route) == 0 {
		return
	}
	if err := n.forward(p.Forward(n.id)); err != nil {
		n.log.Debug(context.Background(), "routed packet dropped",
			logging.String("dest", p.Destination),
			logging.Err(err),
		)
	}
}

func (n *Node) record() kb.NodeRecord {
	rec := kb.NodeRecord{
		ID:         n.id,
		Kind:       string(n.kind),
		X:          n.pos.X,
		Y:          n.pos.Y,
		Address:    n.address,
		Enabled:    n.enabled,
		Neighbours: make([]kb.NeighbourRecord, 0, len(n.neighbours)),
	}
	for _, nb := range n.Neighbours() {
		rec.Neighbours = append(rec.Neighbours, kb.NeighbourRecord{ID: nb.ID, Delay: nb.Delay, Kind: string(nb.Kind)})
	}
	return rec
}

// Record returns the durable form of the node.
func (n *Node) Record() kb.NodeRecord { return n.record() }

func (n *Node) persist() {
	if n.net.store == nil {
		return
	}
	if err := n.net.store.SaveNode(n.record()); err != nil {
		n.log.Warn(context.Background(), "node record not saved", logging.Err(err))
	}
}

func (n *Node) persistCatalog() {
	if n.net.store == nil {
		return
	}
	entries := make([]kb.ServiceEntry, 0, len(n.catalog))
	for _, rec := range n.ServiceRecords() {
		entries = append(entries, kb.EntryFromRecord(rec))
	}
	if err := n.net.store.SaveServices(n.id, entries); err != nil {
		n.log.Warn(context.Background(), "service catalog not saved", logging.Err(err))
	}
}

// refuse logs why a boolean entry point returned false.
func (n *Node) refuse(op string, err error) bool {
	level := n.log.Warn
	if errors.Is(err, ErrNodeDisabled) {
		level = n.log.Info
	}
	level(context.Background(), op+" refused", logging.Err(err))
	return false
}
