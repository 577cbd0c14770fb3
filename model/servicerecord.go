package model

import "strings"

// Well-known service types offered by service nodes. Other values are
// accepted but not recognised by ParseServiceType.
const (
	ServiceTypeWeb       = "Web Server"
	ServiceTypeDatabase  = "Database"
	ServiceTypeAPI       = "API Server"
	ServiceTypeFile      = "File Server"
	ServiceTypeDNS       = "DNS Server"
	ServiceTypeMail      = "Mail Server"
	ServiceTypeGame      = "Game Server"
	ServiceTypeStreaming = "Streaming Server"
)

var knownServiceTypes = []string{
	ServiceTypeWeb,
	ServiceTypeDatabase,
	ServiceTypeAPI,
	ServiceTypeFile,
	ServiceTypeDNS,
	ServiceTypeMail,
	ServiceTypeGame,
	ServiceTypeStreaming,
}

// ParseServiceType returns the canonical spelling of a known service type and
// whether it was recognised. Matching is case-insensitive.
func ParseServiceType(s string) (string, bool) {
	for _, known := range knownServiceTypes {
		if strings.EqualFold(strings.TrimSpace(s), known) {
			return known, true
		}
	}
	return s, false
}

// ServiceRecord is a node's best-known route to a service.
type ServiceRecord struct {
	ServiceID string
	Address   string
	Type      string
	// Path runs from the service node to the node holding the record.
	Path []string
	// Delay is the accumulated link delay along Path in milliseconds.
	Delay int
}

// Clone returns a deep copy of the record.
func (r ServiceRecord) Clone() ServiceRecord {
	r.Path = append([]string(nil), r.Path...)
	return r
}

// BetterThan reports whether r should replace other in a catalog: a strictly
// shorter path wins, and on equal length a strictly lower delay wins.
func (r ServiceRecord) BetterThan(other ServiceRecord) bool {
	if len(r.Path) != len(other.Path) {
		return len(r.Path) < len(other.Path)
	}
	return r.Delay < other.Delay
}

// ServiceSession records an established connection to a remote service.
type ServiceSession struct {
	ServiceID string
	// Path runs from the requester to the service node.
	Path []string
}

// ReversePath returns a reversed copy of path.
func ReversePath(path []string) []string {
	out := make([]string, len(path))
	for i, id := range path {
		out[len(path)-1-i] = id
	}
	return out
}

// PathContains reports whether id appears in path.
func PathContains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

// PathIndex returns the position of id in path, or -1.
func PathIndex(path []string, id string) int {
	for i, p := range path {
		if p == id {
			return i
		}
	}
	return -1
}
