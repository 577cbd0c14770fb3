package kb

import (
	"fmt"
	"sort"
	"sync"
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventNodeSaved EventType = iota
	EventServicesSaved
)

func (t EventType) String() string {
	switch t {
	case EventNodeSaved:
		return "node_saved"
	case EventServicesSaved:
		return "services_saved"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type     EventType
	NodeID   string
	Node     NodeRecord
	Services []ServiceEntry
}

// KnowledgeBase is an in-memory, thread-safe Store. Subscribers observe every
// write, which is how the server mirrors records into a FileStore and how
// tests watch persistence.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes    map[string]NodeRecord
	services map[string][]ServiceEntry

	nextSub int
	subs    map[int]func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		nodes:    make(map[string]NodeRecord),
		services: make(map[string][]ServiceEntry),
		subs:     make(map[int]func(Event)),
	}
}

// SaveNode inserts or replaces a node record.
func (kb *KnowledgeBase) SaveNode(rec NodeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()

	kb.mu.Lock()
	kb.nodes[rec.ID] = rec
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	kb.notify(subs, Event{Type: EventNodeSaved, NodeID: rec.ID, Node: rec.Clone()})
	return nil
}

// LoadNode returns a copy of the node record with the given ID.
func (kb *KnowledgeBase) LoadNode(id string) (NodeRecord, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	rec, ok := kb.nodes[id]
	if !ok {
		return NodeRecord{}, fmt.Errorf("%w: node %q", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// SaveServices replaces the catalog stored for nodeID.
func (kb *KnowledgeBase) SaveServices(nodeID string, entries []ServiceEntry) error {
	if nodeID == "" {
		return fmt.Errorf("%w: empty id", ErrNodeRecordInvalid)
	}
	stored := cloneEntries(entries)

	kb.mu.Lock()
	kb.services[nodeID] = stored
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	kb.notify(subs, Event{Type: EventServicesSaved, NodeID: nodeID, Services: cloneEntries(stored)})
	return nil
}

// LoadServices returns the catalog stored for nodeID. A node that never saved
// a catalog has an empty one.
func (kb *KnowledgeBase) LoadServices(nodeID string) ([]ServiceEntry, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return cloneEntries(kb.services[nodeID]), nil
}

// NodeIDs returns the IDs of every stored node, sorted.
func (kb *KnowledgeBase) NodeIDs() ([]string, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	ids := make([]string, 0, len(kb.nodes))
	for id := range kb.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextSub
	kb.nextSub++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, kb.subs[id])
	}
	return out
}

// notify runs outside the lock so subscribers may read the KB.
func (kb *KnowledgeBase) notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
