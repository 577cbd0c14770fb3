package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

// EventScheduler runs one-shot callbacks at simulation times read from a
// SimClock. Nothing runs on its own: the simulation loop calls RunDue after
// every clock step, so callbacks execute on the loop's goroutine.
type EventScheduler interface {
	// Schedule registers f to run at simulation time at and returns an
	// opaque event ID.
	Schedule(at time.Time, f func()) (id string)

	// After registers f to run d after the current simulation time.
	After(d time.Duration, f func()) CancelHandle

	// Cancel drops a pending event. Unknown or already-run IDs are ignored.
	Cancel(id string)

	// Now returns the current simulation time of the underlying clock.
	Now() time.Time

	// RunDue executes every pending event whose time is <= Now(), including
	// events scheduled by callbacks that are themselves already due.
	RunDue()

	// Pending returns the number of events that have not run or been cancelled.
	Pending() int
}

// CancelHandle identifies a scheduled callback so its owner can stop it.
type CancelHandle struct {
	id    string
	sched EventScheduler
}

// NewCancelHandle binds an event ID to the scheduler that owns it. Wrapping
// schedulers use it to route cancellation through themselves.
func NewCancelHandle(id string, s EventScheduler) CancelHandle {
	return CancelHandle{id: id, sched: s}
}

// ID returns the underlying event ID.
func (h CancelHandle) ID() string { return h.id }

// Cancel stops the callback if it has not run yet. The zero handle is a no-op.
func (h CancelHandle) Cancel() {
	if h.sched == nil || h.id == "" {
		return
	}
	h.sched.Cancel(h.id)
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by when, ties in insertion order
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates an event scheduler backed by clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)

	ev := &scheduledEvent{
		id:   id,
		when: at,
		f:    f,
	}
	s.addEventLocked(ev)
	s.index[id] = ev
	return id
}

func (s *eventScheduler) After(d time.Duration, f func()) CancelHandle {
	id := s.Schedule(s.clock.Now().Add(d), f)
	return CancelHandle{id: id, sched: s}
}

// addEventLocked inserts after any event sharing the same time so that
// equal-time callbacks run in the order they were scheduled.
func (s *eventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue skips cancelled events.
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes and returns the earliest due, non-cancelled event.
func (s *eventScheduler) popDueLocked(now time.Time) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.popDueLocked(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they may schedule or cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
