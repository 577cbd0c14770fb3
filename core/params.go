package core

import "time"

// Params holds the timing and sizing constants of the protocol engine.
// All durations are simulated time.
type Params struct {
	// Tick is the simulated time covered by one engine step.
	Tick time.Duration
	// HandshakeStep is the handshake line progress added per tick.
	HandshakeStep float64
	// PacketStep is the transit progress an in-flight packet gains per tick.
	PacketStep float64
	// ActivationDwell is how long a link stays ESTABLISHED before ACTIVE.
	ActivationDwell time.Duration
	// IdleTTL resets an ACTIVE link that carried no traffic for this long.
	IdleTTL time.Duration
	// DiscoveryTimeout bounds how long a path discovery waits for answers.
	DiscoveryTimeout time.Duration
	// DiscoveryGrace is the window after the first path response during
	// which strictly better responses re-invoke the continuation.
	DiscoveryGrace time.Duration
	// RebroadcastDelay is how long a newly contacted node waits before
	// sending its own discovery broadcast.
	RebroadcastDelay time.Duration
	// ProbeInitialRadius and ProbeGrowth shape the expanding proximity probe.
	ProbeInitialRadius float64
	ProbeGrowth        float64
	// DelayDivisor maps probe distance to link delay: max(1, distance/DelayDivisor).
	DelayDivisor int
	// SeenCapacity bounds each node's seen discovery-id set.
	SeenCapacity int
	// MaxDiscoveryFallbacks caps path discovery rounds per connection request.
	MaxDiscoveryFallbacks int
}

// DefaultParams returns the engine's standard constants.
func DefaultParams() Params {
	return Params{
		Tick:                  10 * time.Millisecond,
		HandshakeStep:         0.05,
		PacketStep:            0.02,
		ActivationDwell:       5 * time.Second,
		IdleTTL:               120 * time.Second,
		DiscoveryTimeout:      10 * time.Second,
		DiscoveryGrace:        3 * time.Second,
		RebroadcastDelay:      500 * time.Millisecond,
		ProbeInitialRadius:    5,
		ProbeGrowth:           2,
		DelayDivisor:          10,
		SeenCapacity:          1000,
		MaxDiscoveryFallbacks: 3,
	}
}

// WithDefaults fills zero fields from DefaultParams.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.Tick <= 0 {
		p.Tick = d.Tick
	}
	if p.HandshakeStep <= 0 {
		p.HandshakeStep = d.HandshakeStep
	}
	if p.PacketStep <= 0 {
		p.PacketStep = d.PacketStep
	}
	if p.ActivationDwell <= 0 {
		p.ActivationDwell = d.ActivationDwell
	}
	if p.IdleTTL <= 0 {
		p.IdleTTL = d.IdleTTL
	}
	if p.DiscoveryTimeout <= 0 {
		p.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if p.DiscoveryGrace <= 0 {
		p.DiscoveryGrace = d.DiscoveryGrace
	}
	if p.RebroadcastDelay <= 0 {
		p.RebroadcastDelay = d.RebroadcastDelay
	}
	if p.ProbeInitialRadius <= 0 {
		p.ProbeInitialRadius = d.ProbeInitialRadius
	}
	if p.ProbeGrowth <= 0 {
		p.ProbeGrowth = d.ProbeGrowth
	}
	if p.DelayDivisor <= 0 {
		p.DelayDivisor = d.DelayDivisor
	}
	if p.SeenCapacity <= 0 {
		p.SeenCapacity = d.SeenCapacity
	}
	if p.MaxDiscoveryFallbacks <= 0 {
		p.MaxDiscoveryFallbacks = d.MaxDiscoveryFallbacks
	}
	return p
}

// LinkDelay converts a probe distance into a link delay in milliseconds.
func (p Params) LinkDelay(distance float64) int {
	divisor := p.DelayDivisor
	if divisor <= 0 {
		divisor = DefaultParams().DelayDivisor
	}
	delay := int(distance) / divisor
	if delay < 1 {
		return 1
	}
	return delay
}
