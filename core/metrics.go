package core

import (
	"time"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// Discovery outcomes reported to MetricsRecorder.DiscoveryOutcome.
const (
	DiscoveryOutcomeFirst     = "first"
	DiscoveryOutcomeImproved  = "improved"
	DiscoveryOutcomeTimeout   = "timeout_best"
	DiscoveryOutcomeNotFound  = "not_found"
	DiscoveryOutcomeDuplicate = "duplicate"
)

// MetricsRecorder receives protocol events for export. Implementations must
// be cheap; they are called from the simulation loop.
type MetricsRecorder interface {
	PacketSent(kind model.PacketKind)
	PacketDelivered(kind model.PacketKind)
	PacketRejected(kind model.PacketKind, reason string)
	ConnectionReset()
	SetConnectionCounts(handshaking, established, active int)
	SetNodeCounts(enabled, disabled int)
	DiscoveryOutcome(outcome string)
	ServiceConnectionResult(outcome string)
	PathComputed(strategy string, d time.Duration, found bool)
	Tick()
}

type noopMetrics struct{}

func (noopMetrics) PacketSent(model.PacketKind)              {}
func (noopMetrics) PacketDelivered(model.PacketKind)         {}
func (noopMetrics) PacketRejected(model.PacketKind, string)  {}
func (noopMetrics) ConnectionReset()                         {}
func (noopMetrics) SetConnectionCounts(int, int, int)        {}
func (noopMetrics) SetNodeCounts(int, int)                   {}
func (noopMetrics) DiscoveryOutcome(string)                  {}
func (noopMetrics) ServiceConnectionResult(string)           {}
func (noopMetrics) PathComputed(string, time.Duration, bool) {}
func (noopMetrics) Tick()                                    {}
