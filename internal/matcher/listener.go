package matcher

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// AcceptanceListener follows one request's changes for the lifetime of its
// dispatch loop. It turns store events into one-shot signals that offer
// waits can select on.
type AcceptanceListener struct {
	sub *storage.Subscription

	mu       sync.Mutex
	status   models.Status
	assigned string
	accepted chan struct{}
	settled  chan struct{}
	declines map[string]chan struct{}

	stopped chan struct{}
}

// Listen subscribes to requestID and then seeds its state from a store read,
// so a change between the two calls is never missed. It returns the request
// as read.
func Listen(ctx context.Context, store storage.RequestStore, requestID string) (*AcceptanceListener, *models.RideRequest, error) {
	sub, err := store.Subscribe(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	req, err := store.Get(ctx, requestID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	l := &AcceptanceListener{
		sub:      sub,
		accepted: make(chan struct{}),
		settled:  make(chan struct{}),
		declines: make(map[string]chan struct{}),
		stopped:  make(chan struct{}),
	}
	l.apply(storage.Event{RequestID: requestID, Status: req.Status, AssignedDriverID: req.AssignedDriverID})
	go l.run()
	return l, req, nil
}

func (l *AcceptanceListener) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.sub.Done():
			return
		case ev := <-l.sub.Events():
			l.apply(ev)
		}
	}
}

func (l *AcceptanceListener) apply(ev storage.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.DeclinedBy != "" {
		ch, ok := l.declines[ev.DeclinedBy]
		if !ok {
			ch = make(chan struct{})
			l.declines[ev.DeclinedBy] = ch
		}
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	// a terminal status is final; events may arrive out of order
	if l.status.IsTerminal() || ev.Status == "" {
		return
	}
	l.status = ev.Status
	if !ev.Status.IsTerminal() {
		return
	}
	if ev.Status == models.StatusAccepted {
		l.assigned = ev.AssignedDriverID
		close(l.accepted)
	}
	close(l.settled)
}

// Accepted is closed once the request is accepted by any driver.
func (l *AcceptanceListener) Accepted() <-chan struct{} { return l.accepted }

// Settled is closed once the request reaches any terminal status.
func (l *AcceptanceListener) Settled() <-chan struct{} { return l.settled }

// Declined is closed when driverID explicitly declines. Declines that arrive
// before the call are remembered.
func (l *AcceptanceListener) Declined(driverID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.declines[driverID]
	if !ok {
		ch = make(chan struct{})
		l.declines[driverID] = ch
	}
	return ch
}

// Status is the latest status seen. Once terminal it no longer changes.
func (l *AcceptanceListener) Status() models.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// AssignedDriver is the accepting driver, or "" until Accepted is closed.
func (l *AcceptanceListener) AssignedDriver() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assigned
}

// Observe feeds a status read from the store into the listener, covering
// events a backend may have lost. It follows the same rules as an event: a
// terminal status already seen is kept, and Accepted/Settled close at most
// once.
func (l *AcceptanceListener) Observe(r *models.RideRequest) {
	l.apply(storage.Event{RequestID: r.ID, Status: r.Status, AssignedDriverID: r.AssignedDriverID})
}

// Close releases the subscription and waits for the pump to exit.
func (l *AcceptanceListener) Close() {
	l.sub.Close()
	<-l.stopped
}
