package storage

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Event is a change notification for one ride request. DeclinedBy is set for
// decline events, which do not change Status.
type Event struct {
	RequestID        string        `json:"request_id"`
	Status           models.Status `json:"status"`
	AssignedDriverID string        `json:"assigned_driver_id,omitempty"`
	DeclinedBy       string        `json:"declined_by,omitempty"`
}

const subscriptionBuffer = 16

// Subscription is a scoped stream of events for a single request.
type Subscription struct {
	events  chan Event
	done    chan struct{}
	once    sync.Once
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{
		events:  make(chan Event, subscriptionBuffer),
		done:    make(chan struct{}),
		release: release,
	}
}

// Events delivers changes in publish order. It is never closed; use Done.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// deliver blocks until the subscriber takes the event or closes; events are
// never dropped while the subscription is open.
func (s *Subscription) deliver(e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

// hub fans events out to in-process subscribers keyed by request ID.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *hub) subscribe(id string) *Subscription {
	var sub *Subscription
	sub = newSubscription(func() { h.remove(id, sub) })
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[id] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *hub) remove(id string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
}

// publish must not be called with any store lock held: delivery may block
// until subscribers drain.
func (h *hub) publish(e Event) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[e.RequestID]))
	for s := range h.subs[e.RequestID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.deliver(e)
	}
}

func (h *hub) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}
