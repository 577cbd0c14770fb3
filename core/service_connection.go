package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// Service connection outcomes reported to MetricsRecorder.ServiceConnectionResult.
const (
	ServiceConnectionEstablished = "established"
	ServiceConnectionRetried     = "retried"
	ServiceConnectionFallback    = "fallback"
	ServiceConnectionNotFound    = "not_found"
	ServiceConnectionExhausted   = "exhausted"
)

// requestChain tracks one requester's attempts to reach a service across
// retries and discovery fallbacks.
type requestChain struct {
	serviceID string
	fallbacks int
}

// RequestServiceConnection starts the request protocol towards the service
// described by rec, whose path runs from the service to this node. It
// returns false only when the node is disabled or rec cannot be used; a
// request that fails later is retried and then rerouted through path
// discovery.
func (n *Node) RequestServiceConnection(rec model.ServiceRecord) bool {
	if !n.enabled {
		return n.refuse("service connection", ErrNodeDisabled)
	}
	if rec.ServiceID == "" || rec.ServiceID == n.id {
		return n.refuse("service connection", fmt.Errorf("%w: bad service id %q", ErrNodeInvalid, rec.ServiceID))
	}
	path := model.ReversePath(rec.Path)
	if len(path) < 2 || path[0] != n.id || path[len(path)-1] != rec.ServiceID {
		return n.refuse("service connection", fmt.Errorf("%w: path %v does not join %s to %s",
			ErrNoPathFound, rec.Path, rec.ServiceID, n.id))
	}

	n.requests[rec.ServiceID] = &requestChain{serviceID: rec.ServiceID}
	n.log.Info(context.Background(), "service connection requested",
		logging.String("service_id", rec.ServiceID),
		logging.Strings("path", path),
	)
	n.sendConnectionRequest(rec.ServiceID, path, 0)
	return true
}

func (n *Node) sendConnectionRequest(serviceID string, path []string, retry int) {
	pl := model.ConnectionRequestPayload{
		ServiceID:   serviceID,
		RequesterID: n.id,
		Path:        append([]string(nil), path...),
		RetryCount:  retry,
	}
	if len(path) < 2 {
		n.onRequestFailed(pl)
		return
	}
	if err := n.sendTo(path[1], model.PacketKindConnectionRequest, pl); err != nil {
		n.log.Debug(context.Background(), "connection request not sent",
			logging.String("service_id", serviceID),
			logging.Err(err),
		)
		n.onRequestFailed(pl)
	}
}

func (n *Node) handleConnectionRequest(c *Connection, p *model.Packet) {
	pl, ok := p.Payload.(model.ConnectionRequestPayload)
	if !ok {
		return
	}
	idx := model.PathIndex(pl.Path, n.id)
	if idx < 0 {
		return
	}

	if n.id == pl.ServiceID {
		resp := model.ConnectionResponsePayload{
			ServiceID:   pl.ServiceID,
			RequesterID: pl.RequesterID,
			Path:        model.ReversePath(pl.Path[:idx+1]),
		}
		if len(resp.Path) < 2 {
			return
		}
		if err := n.sendTo(resp.Path[1], model.PacketKindConnectionResponse, resp); err != nil {
			n.log.Warn(context.Background(), "connection response not sent",
				logging.String("requester", pl.RequesterID),
				logging.Err(err),
			)
			return
		}
		n.log.Info(context.Background(), "service connection accepted",
			logging.String("requester", pl.RequesterID),
		)
		return
	}

	if idx+1 < len(pl.Path) {
		if err := n.sendTo(pl.Path[idx+1], model.PacketKindConnectionRequest, pl); err == nil {
			return
		}
	}
	failure := model.ConnectionFailurePayload{
		ServiceID:   pl.ServiceID,
		RequesterID: pl.RequesterID,
		Path:        pl.Path,
		RetryCount:  pl.RetryCount,
		FailedAt:    n.id,
	}
	n.log.Debug(context.Background(), "connection request could not be forwarded",
		logging.String("service_id", pl.ServiceID),
		logging.String("requester", pl.RequesterID),
	)
	n.relayFailure(failure, idx)
}

// relayFailure walks a failure one hop back towards the requester.
func (n *Node) relayFailure(f model.ConnectionFailurePayload, idx int) {
	if idx <= 0 {
		return
	}
	if err := n.sendTo(f.Path[idx-1], model.PacketKindConnectionFailure, f); err != nil {
		n.log.Debug(context.Background(), "connection failure lost",
			logging.String("requester", f.RequesterID),
			logging.Err(err),
		)
	}
}

func (n *Node) handleConnectionFailure(c *Connection, p *model.Packet) {
	pl, ok := p.Payload.(model.ConnectionFailurePayload)
	if !ok {
		return
	}
	if n.id != pl.RequesterID {
		n.relayFailure(pl, model.PathIndex(pl.Path, n.id))
		return
	}
	n.onRequestFailed(model.ConnectionRequestPayload{
		ServiceID:   pl.ServiceID,
		RequesterID: pl.RequesterID,
		Path:        pl.Path,
		RetryCount:  pl.RetryCount,
	})
}

// onRequestFailed retries once on the same path, then falls back to path
// discovery for a bounded number of rounds.
func (n *Node) onRequestFailed(req model.ConnectionRequestPayload) {
	ctx := context.Background()
	chain, ok := n.requests[req.ServiceID]
	if !ok {
		// The chain already completed or gave up.
		return
	}
	if req.RetryCount == 0 {
		n.net.metrics.ServiceConnectionResult(ServiceConnectionRetried)
		n.log.Debug(ctx, "retrying service connection", logging.String("service_id", req.ServiceID))
		n.sendConnectionRequest(req.ServiceID, req.Path, 1)
		return
	}

	if chain.fallbacks >= n.net.params.MaxDiscoveryFallbacks {
		delete(n.requests, req.ServiceID)
		n.net.metrics.ServiceConnectionResult(ServiceConnectionExhausted)
		n.log.Warn(ctx, "service connection abandoned",
			logging.String("service_id", req.ServiceID),
			logging.Int("discovery_rounds", chain.fallbacks),
		)
		return
	}
	chain.fallbacks++
	n.net.metrics.ServiceConnectionResult(ServiceConnectionFallback)
	n.log.Info(ctx, "falling back to path discovery",
		logging.String("service_id", req.ServiceID),
		logging.Int("round", chain.fallbacks),
	)
	if _, ok := n.DiscoverPath(req.ServiceID, n.resumeRequest(chain)); !ok {
		delete(n.requests, req.ServiceID)
	}
}

// resumeRequest returns the continuation run when path discovery for the
// chain's service answers.
func (n *Node) resumeRequest(chain *requestChain) PathContinuation {
	return func(path []string, delay int, found bool) {
		active := n.requests[chain.serviceID] == chain
		if !found {
			if !active {
				return
			}
			delete(n.requests, chain.serviceID)
			n.net.metrics.ServiceConnectionResult(ServiceConnectionNotFound)
			n.log.Warn(context.Background(), "no path to service",
				logging.String("service_id", chain.serviceID),
			)
			return
		}
		candidate := model.ServiceRecord{
			ServiceID: chain.serviceID,
			Path:      model.ReversePath(path),
			Delay:     delay,
		}
		if existing, ok := n.catalog[chain.serviceID]; ok {
			candidate.Address = existing.Address
			candidate.Type = existing.Type
		}
		n.acceptRecord(candidate)
		if active {
			n.sendConnectionRequest(chain.serviceID, path, 0)
		}
	}
}

func (n *Node) handleConnectionResponse(c *Connection, p *model.Packet) {
	pl, ok := p.Payload.(model.ConnectionResponsePayload)
	if !ok {
		return
	}
	c.MarkServiceConnection()

	if n.id == pl.RequesterID {
		n.sessions[pl.ServiceID] = model.ServiceSession{
			ServiceID: pl.ServiceID,
			Path:      model.ReversePath(pl.Path),
		}
		delete(n.requests, pl.ServiceID)
		n.net.metrics.ServiceConnectionResult(ServiceConnectionEstablished)
		n.log.Info(context.Background(), "service connection established",
			logging.String("service_id", pl.ServiceID),
			logging.Strings("path", model.ReversePath(pl.Path)),
		)
		return
	}

	idx := model.PathIndex(pl.Path, n.id)
	if idx < 0 || idx+1 >= len(pl.Path) {
		return
	}
	if err := n.sendTo(pl.Path[idx+1], model.PacketKindConnectionResponse, pl); err != nil {
		n.log.Warn(context.Background(), "connection response lost",
			logging.String("service_id", pl.ServiceID),
			logging.Err(err),
		)
	}
}
