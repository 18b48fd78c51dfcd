package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier delivers an offer to one driver. Implementations are best effort;
// the dispatch loop never retries a failed delivery.
type Notifier interface {
	NotifyDriver(ctx context.Context, driverID, requestID string, payload models.OfferPayload) error
}

// ErrNoSession means the driver has no live channel on this transport.
var ErrNoSession = errors.New("no session for driver")

// LogNotifier only logs offers. It is the last resort when no transport is
// configured, e.g. local runs.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) NotifyDriver(_ context.Context, driverID, requestID string, p models.OfferPayload) error {
	l.Logger.Info("offer",
		"driver_id", driverID,
		"request_id", requestID,
		"distance_m", p.DistanceMeters,
		"pickup_eta_s", p.PickupETASeconds,
		"deadline", p.Deadline,
	)
	return nil
}
