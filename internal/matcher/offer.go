package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers an offer to a driver's device. Delivery is best effort.
type Notifier interface {
	NotifyDriver(ctx context.Context, driverID, requestID string, payload models.OfferPayload) error
}

// ETAEstimator enriches offers with a pickup ETA.
type ETAEstimator interface {
	PickupETA(ctx context.Context, from, to models.Coord) float64
}

// OfferCoordinator sends offers for one request, one at a time, and waits
// for each to resolve.
type OfferCoordinator struct {
	request  *models.RideRequest
	listener *AcceptanceListener
	notifier Notifier
	eta      ETAEstimator
	logger   *slog.Logger
}

func NewOfferCoordinator(req *models.RideRequest, l *AcceptanceListener, n Notifier, eta ETAEstimator, logger *slog.Logger) *OfferCoordinator {
	return &OfferCoordinator{request: req, listener: l, notifier: n, eta: eta, logger: logger}
}

// Offer notifies the candidate and blocks until the offer resolves: the
// request is accepted (by this driver or another), the driver declines, the
// deadline passes, or ctx is canceled. Acceptance wins over any signal that
// fires at the same time.
func (c *OfferCoordinator) Offer(ctx context.Context, cand models.DriverCandidate, timeout time.Duration) models.Offer {
	sent := time.Now()
	offer := models.Offer{
		RequestID: c.request.ID,
		DriverID:  cand.ID,
		SentAt:    sent,
		Deadline:  sent.Add(timeout),
		Outcome:   models.OfferPending,
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	declined := c.listener.Declined(cand.ID)

	c.notify(ctx, cand, offer.Deadline)

	select {
	case <-c.listener.Accepted():
	case <-declined:
		offer.Outcome = models.OfferRejected
	case <-timer.C:
		offer.Outcome = models.OfferTimedOut
	case <-ctx.Done():
		offer.Outcome = models.OfferAborted
	}

	select {
	case <-c.listener.Accepted():
		offer.AcceptedBy = c.listener.AssignedDriver()
		if offer.AcceptedBy == cand.ID {
			offer.Outcome = models.OfferAccepted
		} else {
			offer.Outcome = models.OfferSuperseded
		}
	default:
	}

	observability.OfferOutcomes.WithLabelValues(string(offer.Outcome)).Inc()
	c.logger.Info("offer resolved",
		"driver_id", cand.ID,
		"outcome", offer.Outcome,
		"waited_ms", time.Since(sent).Milliseconds(),
	)
	return offer
}

func (c *OfferCoordinator) notify(ctx context.Context, cand models.DriverCandidate, deadline time.Time) {
	payload := models.OfferPayload{
		RequestID:      c.request.ID,
		DriverID:       cand.ID,
		Pickup:         c.request.Pickup,
		Dropoff:        c.request.Dropoff,
		VehicleClass:   c.request.VehicleClass,
		DistanceMeters: cand.DistanceMeters,
		Deadline:       deadline,
	}
	nctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if c.eta != nil {
		payload.PickupETASeconds = c.eta.PickupETA(nctx, cand.Location, c.request.Pickup)
	}
	observability.OffersSent.Inc()
	if err := c.notifier.NotifyDriver(nctx, cand.ID, c.request.ID, payload); err != nil {
		// the deadline still applies; an undelivered offer just times out
		observability.NotifyErrors.Inc()
		c.logger.Warn("offer notification failed", "driver_id", cand.ID, "error", err)
	}
}
