package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

type trafficFlow struct {
	src, dst string
	interval time.Duration
	sent     int
	failed   int
	next     sched.CancelHandle
}

// TrafficStats summarises a running traffic flow.
type TrafficStats struct {
	Source      string
	Destination string
	Interval    time.Duration
	Sent        int
	Failed      int
}

func trafficKey(src, dst string) string { return src + "->" + dst }

// StartTraffic sends DATA packets from src to dst at pps packets per second
// of simulated time until StopTraffic is called. Starting a flow that already
// runs replaces its rate.
func (n *Network) StartTraffic(src, dst string, pps float64) error {
	if pps <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %v", ErrNodeInvalid, pps)
	}
	if _, err := n.MustNode(src); err != nil {
		return err
	}
	if _, err := n.MustNode(dst); err != nil {
		return err
	}
	if src == dst {
		return fmt.Errorf("%w: traffic source and destination are both %q", ErrNodeInvalid, src)
	}
	interval := time.Duration(float64(time.Second) / pps)
	if interval < n.params.Tick {
		interval = n.params.Tick
	}

	n.StopTraffic(src, dst)
	flow := &trafficFlow{src: src, dst: dst, interval: interval}
	n.traffic[trafficKey(src, dst)] = flow
	n.scheduleTraffic(flow)

	n.log.Info(context.Background(), "traffic started",
		logging.String("source", src),
		logging.String("dest", dst),
		logging.Duration("interval", interval),
	)
	return nil
}

func (n *Network) scheduleTraffic(flow *trafficFlow) {
	flow.next = n.sched.After(flow.interval, func() {
		if n.traffic[trafficKey(flow.src, flow.dst)] != flow {
			return
		}
		node := n.nodes[flow.src]
		label := fmt.Sprintf("traffic-%d", flow.sent+flow.failed+1)
		if node.SendPacket(flow.dst, model.PacketKindData, model.DataPayload{Label: label}) {
			flow.sent++
		} else {
			flow.failed++
		}
		n.scheduleTraffic(flow)
	})
}

// StopTraffic halts the flow from src to dst. It reports whether one ran.
func (n *Network) StopTraffic(src, dst string) bool {
	key := trafficKey(src, dst)
	flow, ok := n.traffic[key]
	if !ok {
		return false
	}
	flow.next.Cancel()
	delete(n.traffic, key)
	return true
}

// Traffic returns the running flows sorted by source then destination.
func (n *Network) Traffic() []TrafficStats {
	out := make([]TrafficStats, 0, len(n.traffic))
	for _, key := range sortedKeys(n.traffic) {
		f := n.traffic[key]
		out = append(out, TrafficStats{
			Source:      f.src,
			Destination: f.dst,
			Interval:    f.interval,
			Sent:        f.sent,
			Failed:      f.failed,
		})
	}
	return out
}
