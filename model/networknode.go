package model

import (
	"fmt"
	"math"
	"strings"
)

// NodeKind distinguishes plain relays from nodes hosting a service.
type NodeKind string

const (
	NodeKindRelay   NodeKind = "relay"
	NodeKindService NodeKind = "service"
)

// ParseNodeKind accepts the canonical names plus the legacy "normal" and
// "special" aliases used by older node records.
func ParseNodeKind(s string) (NodeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relay", "normal", "":
		return NodeKindRelay, nil
	case "service", "special":
		return NodeKindService, nil
	default:
		return "", fmt.Errorf("unknown node kind %q", s)
	}
}

// Position is a point on the simulation plane, in abstract distance units.
type Position struct {
	X float64
	Y float64
}

// DistanceTo returns the straight-line distance between two positions.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Neighbour is an informational adjacency entry kept by each node.
type Neighbour struct {
	ID    string
	Delay int
	Kind  NodeKind
}
