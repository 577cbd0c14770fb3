package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// PathContinuation receives the result of a path discovery. path runs from
// the requester to the target. It is called with found=false at most once,
// when the discovery times out empty-handed.
type PathContinuation func(path []string, delay int, found bool)

type pendingDiscovery struct {
	id        string
	target    string
	bestPath  []string
	bestDelay int
	delivered bool
	firstAt   time.Time
	cont      PathContinuation
	timeout   sched.CancelHandle
}

// DiscoverPath floods a PATH_DISCOVERY for target over every link touching
// the node, in any state, and returns the discovery ID.
func (n *Node) DiscoverPath(target string, cont PathContinuation) (string, bool) {
	if !n.enabled {
		return "", n.refuse("path discovery", ErrNodeDisabled)
	}
	if target == "" || target == n.id {
		return "", n.refuse("path discovery", fmt.Errorf("%w: target %q", ErrNodeInvalid, target))
	}

	n.discoveryCounter++
	id := fmt.Sprintf("%s_%s_%d", n.id, target, n.discoveryCounter)
	n.seen.Add(id)

	pd := &pendingDiscovery{id: id, target: target, cont: cont}
	n.pending[id] = pd

	pl := model.PathDiscoveryPayload{
		DiscoveryID: id,
		TargetID:    target,
		RequesterID: n.id,
		Path:        []string{n.id},
		TotalDelay:  0,
	}
	sent := 0
	for _, c := range n.net.connectionsOf(n.id) {
		other := c.Other(n.id)
		if !n.net.isEnabled(other) {
			continue
		}
		if err := n.sendTo(other, model.PacketKindPathDiscovery, pl); err == nil {
			sent++
		}
	}

	wait := n.net.params.DiscoveryTimeout
	if sent == 0 {
		wait = 0
	}
	pd.timeout = n.net.sched.After(wait, func() { n.finishDiscovery(id) })

	n.log.Info(context.Background(), "path discovery started",
		logging.String("discovery_id", id),
		logging.String("target", target),
		logging.Int("links", sent),
	)
	return id, true
}

// CancelDiscovery abandons a pending discovery without invoking its
// continuation.
func (n *Node) CancelDiscovery(id string) bool {
	pd, ok := n.pending[id]
	if !ok {
		return false
	}
	pd.timeout.Cancel()
	delete(n.pending, id)
	return true
}

func (n *Node) handlePathDiscovery(c *Connection, p *model.Packet) {
	pl, ok := p.Payload.(model.PathDiscoveryPayload)
	if !ok {
		return
	}
	if !n.seen.Add(pl.DiscoveryID) {
		n.net.metrics.DiscoveryOutcome(DiscoveryOutcomeDuplicate)
		return
	}

	step := c.Delay()
	if step < 1 {
		step = 1
	}
	path := append(append([]string(nil), pl.Path...), n.id)
	delay := pl.TotalDelay + step

	if n.id == pl.TargetID {
		resp := model.PathResponsePayload{
			DiscoveryID: pl.DiscoveryID,
			TargetID:    pl.TargetID,
			RequesterID: pl.RequesterID,
			Path:        path,
			TotalDelay:  delay,
		}
		if err := n.sendTo(p.Source, model.PacketKindPathResponse, resp); err != nil {
			n.log.Debug(context.Background(), "path response not sent",
				logging.String("discovery_id", pl.DiscoveryID),
				logging.Err(err),
			)
		}
		return
	}

	next := pl
	next.Path = path
	next.TotalDelay = delay
	for _, link := range n.net.connectionsOf(n.id) {
		other := link.Other(n.id)
		if other == p.Source || model.PathContains(path, other) || !n.net.isEnabled(other) {
			continue
		}
		_ = n.sendTo(other, model.PacketKindPathDiscovery, next)
	}
}

func (n *Node) handlePathResponse(c *Connection, p *model.Packet) {
	pl, ok := p.Payload.(model.PathResponsePayload)
	if !ok {
		return
	}
	if n.id == pl.RequesterID {
		n.onPathResponse(pl)
		return
	}
	idx := model.PathIndex(pl.Path, n.id)
	if idx <= 0 {
		return
	}
	if err := n.sendTo(pl.Path[idx-1], model.PacketKindPathResponse, pl); err != nil {
		n.log.Debug(context.Background(), "path response lost",
			logging.String("discovery_id", pl.DiscoveryID),
			logging.Err(err),
		)
	}
}

// onPathResponse folds a response into the best candidate. The first
// response is used at once; strictly better ones re-invoke the continuation
// while the grace window after the first is open.
func (n *Node) onPathResponse(pl model.PathResponsePayload) {
	pd, ok := n.pending[pl.DiscoveryID]
	if !ok {
		return
	}
	now := n.net.clock.Now()
	path := append([]string(nil), pl.Path...)

	if !pd.delivered {
		pd.bestPath, pd.bestDelay = path, pl.TotalDelay
		pd.delivered = true
		pd.firstAt = now
		n.net.metrics.DiscoveryOutcome(DiscoveryOutcomeFirst)
		n.log.Debug(context.Background(), "path found",
			logging.String("discovery_id", pd.id),
			logging.Strings("path", path),
			logging.Int("delay_ms", pl.TotalDelay),
		)
		n.invoke(pd, path, pl.TotalDelay, true)
		return
	}
	if pl.TotalDelay >= pd.bestDelay {
		return
	}
	pd.bestPath, pd.bestDelay = path, pl.TotalDelay
	if now.Sub(pd.firstAt) > n.net.params.DiscoveryGrace {
		return
	}
	n.net.metrics.DiscoveryOutcome(DiscoveryOutcomeImproved)
	n.log.Debug(context.Background(), "better path found",
		logging.String("discovery_id", pd.id),
		logging.Strings("path", path),
		logging.Int("delay_ms", pl.TotalDelay),
	)
	n.invoke(pd, append([]string(nil), path...), pl.TotalDelay, true)
}

// finishDiscovery runs when the discovery timer fires.
func (n *Node) finishDiscovery(id string) {
	pd, ok := n.pending[id]
	if !ok {
		return
	}
	delete(n.pending, id)
	if pd.delivered {
		return
	}
	if pd.bestPath != nil {
		n.net.metrics.DiscoveryOutcome(DiscoveryOutcomeTimeout)
		n.invoke(pd, pd.bestPath, pd.bestDelay, true)
		return
	}
	n.net.metrics.DiscoveryOutcome(DiscoveryOutcomeNotFound)
	n.log.Info(context.Background(), "path discovery found nothing",
		logging.String("discovery_id", id),
		logging.String("target", pd.target),
	)
	n.invoke(pd, nil, 0, false)
}

func (n *Node) invoke(pd *pendingDiscovery, path []string, delay int, found bool) {
	if pd.cont != nil {
		pd.cont(path, delay, found)
	}
}
