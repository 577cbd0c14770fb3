package kb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/mesh-simulator/model"
)

var (
	// ErrNodeRecordInvalid is returned when a record fails validation.
	ErrNodeRecordInvalid = errors.New("invalid node record")
	// ErrNotFound is returned when no record exists for a node ID.
	ErrNotFound = errors.New("record not found")
)

// NeighbourRecord is one adjacency entry of a persisted node.
type NeighbourRecord struct {
	ID    string `json:"id"`
	Delay int    `json:"delay"`
	Kind  string `json:"kind"`
}

// NodeRecord is the durable form of a node. It is rewritten on every
// mutating operation (connection added, enable toggled, kind changed).
type NodeRecord struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Address    string            `json:"address"`
	Neighbours []NeighbourRecord `json:"neighbours"`
	Enabled    bool              `json:"enabled"`
}

// Validate checks the fields a node cannot be rebuilt without.
func (r NodeRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrNodeRecordInvalid)
	}
	if _, err := model.ParseNodeKind(r.Kind); err != nil {
		return fmt.Errorf("%w: node %q: %v", ErrNodeRecordInvalid, r.ID, err)
	}
	for _, nb := range r.Neighbours {
		if nb.ID == "" || nb.ID == r.ID {
			return fmt.Errorf("%w: node %q has bad neighbour %q", ErrNodeRecordInvalid, r.ID, nb.ID)
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r NodeRecord) Clone() NodeRecord {
	r.Neighbours = append([]NeighbourRecord(nil), r.Neighbours...)
	return r
}

// ServiceEntry is one line of a node's persisted service catalog.
type ServiceEntry struct {
	ServiceID  string   `json:"service_id"`
	Address    string   `json:"address"`
	Type       string   `json:"type"`
	Path       []string `json:"path"`
	TotalDelay int      `json:"total_delay"`
}

// EntryFromRecord converts a catalog record into its durable form.
func EntryFromRecord(r model.ServiceRecord) ServiceEntry {
	return ServiceEntry{
		ServiceID:  r.ServiceID,
		Address:    r.Address,
		Type:       r.Type,
		Path:       append([]string(nil), r.Path...),
		TotalDelay: r.Delay,
	}
}

// Record converts the entry back into a catalog record.
func (e ServiceEntry) Record() model.ServiceRecord {
	return model.ServiceRecord{
		ServiceID: e.ServiceID,
		Address:   e.Address,
		Type:      e.Type,
		Path:      append([]string(nil), e.Path...),
		Delay:     e.TotalDelay,
	}
}

func cloneEntries(in []ServiceEntry) []ServiceEntry {
	out := make([]ServiceEntry, len(in))
	for i, e := range in {
		e.Path = append([]string(nil), e.Path...)
		out[i] = e
	}
	return out
}

// Store persists node records and service catalogs.
type Store interface {
	SaveNode(rec NodeRecord) error
	LoadNode(id string) (NodeRecord, error)
	SaveServices(nodeID string, entries []ServiceEntry) error
	LoadServices(nodeID string) ([]ServiceEntry, error)
	// NodeIDs lists every node with a saved record, sorted.
	NodeIDs() ([]string, error)
}
