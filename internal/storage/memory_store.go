package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
	hub      *hub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.RideRequest), hub: newHub()}
}

func (m *MemoryStore) Create(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, r.ID)
	}
	cp := r.Clone()
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = models.StatusCreated
	}
	m.requests[r.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ConditionalUpdateStatus(_ context.Context, id string, expected, next models.Status, u Update) error {
	if err := validateTransition(expected, next, u); err != nil {
		return err
	}
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Status != expected {
		cur := r.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, expected %s", ErrPreconditionFailed, id, cur, expected)
	}
	r.Status = next
	if next == models.StatusAccepted {
		r.AssignedDriverID = u.AssignedDriverID
		r.ExcludedDriverIDs = without(r.ExcludedDriverIDs, u.AssignedDriverID)
	}
	r.UpdatedAt = time.Now()
	ev := Event{RequestID: id, Status: r.Status, AssignedDriverID: r.AssignedDriverID}
	m.mu.Unlock()

	m.hub.publish(ev)
	return nil
}

func (m *MemoryStore) RecordProgress(_ context.Context, id string, excluded []string, radiusMeters float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Status != models.StatusSearching {
		return fmt.Errorf("%w: %s is %s", ErrPreconditionFailed, id, r.Status)
	}
	if !isSuperset(excluded, r.ExcludedDriverIDs) {
		return fmt.Errorf("%w: exclusion set may not shrink", ErrInvalidTransition)
	}
	r.ExcludedDriverIDs = append([]string(nil), excluded...)
	r.SearchRadiusMeters = radiusMeters
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordDecline(_ context.Context, id, driverID string) error {
	m.mu.RLock()
	r, ok := m.requests[id]
	var status models.Status
	if ok {
		status = r.Status
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.hub.publish(Event{RequestID: id, Status: status, DeclinedBy: driverID})
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	_, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.hub.subscribe(id), nil
}

func (m *MemoryStore) ListDueScheduled(_ context.Context, now time.Time) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.requests {
		if r.Status != models.StatusCreated || r.ScheduledTime == nil || r.ScheduledTime.After(now) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(*out[j].ScheduledTime) })
	return out, nil
}
