package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// AnnounceService stores the node's own service record and floods a SERVICE
// packet on every ACTIVE link. Only service-kind nodes may announce.
func (n *Node) AnnounceService(serviceType string) bool {
	if !n.enabled {
		return n.refuse("announce", ErrNodeDisabled)
	}
	if n.kind != model.NodeKindService {
		return n.refuse("announce", fmt.Errorf("%w: %s is a %s", ErrNotServiceNode, n.id, n.kind))
	}
	canonical, known := model.ParseServiceType(serviceType)
	if !known {
		n.log.Warn(context.Background(), "unrecognised service type announced",
			logging.String("type", serviceType),
		)
	}
	n.serviceType = canonical

	own := model.ServiceRecord{
		ServiceID: n.id,
		Address:   n.address,
		Type:      canonical,
		Path:      []string{n.id},
		Delay:     0,
	}
	n.catalog[n.id] = own
	n.persistCatalog()

	sent := 0
	for _, c := range n.net.connectionsOf(n.id) {
		if c.State() != StateActive {
			continue
		}
		if err := n.sendTo(c.Other(n.id), model.PacketKindService, servicePayload(own)); err == nil {
			sent++
		}
	}
	n.log.Info(context.Background(), "service announced",
		logging.String("type", canonical),
		logging.Int("links", sent),
	)
	return true
}

func servicePayload(rec model.ServiceRecord) model.ServicePayload {
	return model.ServicePayload{
		ServiceID: rec.ServiceID,
		Address:   rec.Address,
		Type:      rec.Type,
		Path:      append([]string(nil), rec.Path...),
		Delay:     rec.Delay,
	}
}

// extend returns rec as it would be stored by the node at the far end of c.
func extend(rec model.ServiceRecord, hop string, c *Connection) model.ServiceRecord {
	out := rec.Clone()
	out.Path = append(out.Path, hop)
	out.Delay += c.Delay()
	return out
}

func (n *Node) handleService(c *Connection, p *model.Packet) {
	pl, ok := p.Payload.(model.ServicePayload)
	if !ok {
		return
	}
	if model.PathContains(pl.Path, n.id) {
		return
	}
	candidate := extend(model.ServiceRecord{
		ServiceID: pl.ServiceID,
		Address:   pl.Address,
		Type:      pl.Type,
		Path:      pl.Path,
		Delay:     pl.Delay,
	}, n.id, c)

	if !n.acceptRecord(candidate) {
		return
	}
	n.flood(candidate, c)
}

// acceptRecord stores rec if it beats the current entry for its service.
func (n *Node) acceptRecord(rec model.ServiceRecord) bool {
	if existing, ok := n.catalog[rec.ServiceID]; ok && !rec.BetterThan(existing) {
		return false
	}
	n.catalog[rec.ServiceID] = rec.Clone()
	n.persistCatalog()
	n.log.Debug(context.Background(), "service record accepted",
		logging.String("service_id", rec.ServiceID),
		logging.Strings("path", rec.Path),
		logging.Int("delay_ms", rec.Delay),
	)
	return true
}

// flood forwards rec on every ACTIVE link except arrivedOn, skipping
// neighbours already on the path or already holding an equal-or-better entry.
func (n *Node) flood(rec model.ServiceRecord, arrivedOn *Connection) {
	for _, c := range n.net.connectionsOf(n.id) {
		if c == arrivedOn || c.State() != StateActive {
			continue
		}
		n.offer(rec, c)
	}
}

// offer sends rec across c unless the peer would not accept it.
func (n *Node) offer(rec model.ServiceRecord, c *Connection) bool {
	other := c.Other(n.id)
	if model.PathContains(rec.Path, other) {
		return false
	}
	peer, ok := n.net.nodes[other]
	if !ok || !peer.enabled {
		return false
	}
	if peer.HoldsEqualOrBetter(extend(rec, other, c)) {
		return false
	}
	if err := n.sendTo(other, model.PacketKindService, servicePayload(rec)); err != nil {
		n.log.Debug(context.Background(), "service record not forwarded",
			logging.String("peer", other),
			logging.Err(err),
		)
		return false
	}
	return true
}

// pushCatalog shares the records peer lacks or holds worse, over c.
func (n *Node) pushCatalog(peer *Node, c *Connection) int {
	sent := 0
	for _, rec := range n.ServiceRecords() {
		if n.offer(rec, c) {
			sent++
		}
	}
	n.log.Info(context.Background(), "catalog pushed",
		logging.String("peer", peer.id),
		logging.Int("records", sent),
	)
	return sent
}
