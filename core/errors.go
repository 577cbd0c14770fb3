package core

import "errors"

var (
	// ErrLinkUnusable is returned when a link refuses a packet because of its
	// state or a disabled endpoint.
	ErrLinkUnusable = errors.New("link unusable")
	// ErrDestinationMismatch is returned when a packet's next hop is not the
	// link's other endpoint.
	ErrDestinationMismatch = errors.New("destination not reachable over this link")
	// ErrNoConnection is returned when two nodes share no link.
	ErrNoConnection = errors.New("no connection between nodes")
	// ErrNoPathFound is returned when routing exhausts every option.
	ErrNoPathFound = errors.New("no path found")
	// ErrUnknownStrategy is returned for unsupported pathfinding strategies.
	ErrUnknownStrategy = errors.New("unknown pathfinding strategy")
	// ErrNodeExists is returned when placing a node whose ID is taken.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound is returned for unknown node IDs.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeInvalid is returned for malformed node placements.
	ErrNodeInvalid = errors.New("invalid node")
	// ErrNodeDisabled is returned when a disabled node is asked to act.
	ErrNodeDisabled = errors.New("node disabled")
	// ErrNotServiceNode is returned when a relay is asked to announce a service.
	ErrNotServiceNode = errors.New("node does not host a service")
)
