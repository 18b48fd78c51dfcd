package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when a ride request does not exist.
	ErrNotFound = errors.New("ride request not found")

	// ErrPreconditionFailed is returned by a conditional write whose expected
	// status no longer matches. It usually means another writer won a race.
	ErrPreconditionFailed = errors.New("ride request status precondition failed")

	// ErrInvalidTransition is returned for transitions the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid ride request status transition")

	// ErrAlreadyExists is returned by Create for a duplicate ID.
	ErrAlreadyExists = errors.New("ride request already exists")
)

// Update carries the extra fields written together with a status change.
type Update struct {
	AssignedDriverID string
}

// RequestStore is the durable, observable record of ride requests.
type RequestStore interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)

	// ConditionalUpdateStatus moves id from expected to next atomically and
	// fails with ErrPreconditionFailed when the current status differs.
	ConditionalUpdateStatus(ctx context.Context, id string, expected, next models.Status, u Update) error

	// RecordProgress persists the loop's exclusion set and current radius.
	// excluded must be a superset of what is stored; the request must still
	// be searching.
	RecordProgress(ctx context.Context, id string, excluded []string, radiusMeters float64) error

	// RecordDecline publishes an explicit decline by driverID without
	// changing the request status.
	RecordDecline(ctx context.Context, id, driverID string) error

	// Subscribe returns a scoped subscription to changes of id. Callers must
	// Close it.
	Subscribe(ctx context.Context, id string) (*Subscription, error)

	// ListDueScheduled returns created requests whose scheduled time is at
	// or before now.
	ListDueScheduled(ctx context.Context, now time.Time) ([]*models.RideRequest, error)
}

// validateTransition enforces the lifecycle and the assignee invariant
// before any backend touches its data.
func validateTransition(expected, next models.Status, u Update) error {
	if !models.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	if next == models.StatusAccepted && u.AssignedDriverID == "" {
		return fmt.Errorf("%w: accepted requires a driver", ErrInvalidTransition)
	}
	if next != models.StatusAccepted && u.AssignedDriverID != "" {
		return fmt.Errorf("%w: driver may only be set on accept", ErrInvalidTransition)
	}
	return nil
}

// isSuperset reports whether next contains every element of prev.
func isSuperset(next, prev []string) bool {
	have := make(map[string]struct{}, len(next))
	for _, id := range next {
		have[id] = struct{}{}
	}
	for _, id := range prev {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
