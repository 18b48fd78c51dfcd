package matcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Responder applies driver responses. It only writes to the store; running
// loops learn about them through their subscriptions.
type Responder struct {
	store  storage.RequestStore
	logger *slog.Logger
}

func NewResponder(store storage.RequestStore, logger *slog.Logger) *Responder {
	return &Responder{store: store, logger: logger}
}

// AcceptOffer assigns driverID if the request is still searching. A request
// that already settled yields storage.ErrPreconditionFailed.
func (r *Responder) AcceptOffer(ctx context.Context, requestID, driverID string) error {
	if driverID == "" {
		return storage.ErrInvalidTransition
	}
	err := r.store.ConditionalUpdateStatus(ctx, requestID, models.StatusSearching, models.StatusAccepted, storage.Update{AssignedDriverID: driverID})
	switch {
	case err == nil:
		r.logger.Info("offer accepted", "request_id", requestID, "driver_id", driverID)
	case errors.Is(err, storage.ErrPreconditionFailed):
		r.logger.Info("late acceptance ignored", "request_id", requestID, "driver_id", driverID)
	}
	return err
}

func (r *Responder) DeclineOffer(ctx context.Context, requestID, driverID string) error {
	if err := r.store.RecordDecline(ctx, requestID, driverID); err != nil {
		return err
	}
	r.logger.Debug("offer declined", "request_id", requestID, "driver_id", driverID)
	return nil
}
