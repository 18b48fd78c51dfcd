package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Config tunes a dispatch loop.
type Config struct {
	InitialRadiusMeters float64
	MaxRadiusMeters     float64
	Expand              RadiusExpander
	OfferTimeout        time.Duration
	// GeoRetries is how many times a failed candidate query is repeated at
	// the same radius before the pass counts as empty.
	GeoRetries int
	GeoBackoff time.Duration
	// MaxOffers caps offers per request; 0 means no cap.
	MaxOffers int
}

func DefaultConfig() Config {
	return Config{
		InitialRadiusMeters: 1000,
		MaxRadiusMeters:     5000,
		Expand:              StepExpander([]float64{1000, 2000, 3000, 5000}),
		OfferTimeout:        60 * time.Second,
		GeoRetries:          3,
		GeoBackoff:          200 * time.Millisecond,
	}
}

// Loop runs the search for a single request from start to a terminal outcome.
type Loop struct {
	Store    storage.RequestStore
	Geo      geo.GeoIndex
	Notifier Notifier
	ETA      ETAEstimator // optional
	Config   Config
	Logger   *slog.Logger
}

// Run drives requestID to a terminal outcome. A request already searching is
// resumed from its persisted radius and exclusions. When ctx is canceled the
// loop stops without writing and returns Canceled with ctx's error.
func (l *Loop) Run(ctx context.Context, requestID string) (models.TerminalOutcome, error) {
	logger := l.Logger.With("request_id", requestID)

	listener, req, err := Listen(ctx, l.Store, requestID)
	if err != nil {
		return models.Canceled(), fmt.Errorf("listen %s: %w", requestID, err)
	}
	defer listener.Close()

	if out, ok := req.Outcome(); ok {
		return out, nil
	}
	if req.Status == models.StatusCreated {
		err := l.Store.ConditionalUpdateStatus(ctx, requestID, models.StatusCreated, models.StatusSearching, storage.Update{})
		if err != nil {
			if !errors.Is(err, storage.ErrPreconditionFailed) {
				return models.Canceled(), fmt.Errorf("start search: %w", err)
			}
			// lost a race with a cancel or another dispatcher
			if req, err = l.Store.Get(ctx, requestID); err != nil {
				return models.Canceled(), err
			}
			listener.Observe(req)
			if out, ok := req.Outcome(); ok {
				return out, nil
			}
		}
	} else {
		logger.Info("resuming search", "radius_m", req.SearchRadiusMeters, "excluded", len(req.ExcludedDriverIDs))
	}

	s := &search{
		Loop:     l,
		logger:   logger,
		req:      req,
		listener: listener,
		excluded: NewExclusionTracker(req.ExcludedDriverIDs),
		radius:   req.SearchRadiusMeters,
		offers:   NewOfferCoordinator(req, listener, l.Notifier, l.ETA, logger),
	}
	if s.radius <= 0 {
		s.radius = l.Config.InitialRadiusMeters
	}
	return s.run(ctx)
}

// search is the mutable state of one Run.
type search struct {
	*Loop
	logger   *slog.Logger
	req      *models.RideRequest
	listener *AcceptanceListener
	excluded *ExclusionTracker
	radius   float64
	sent     int
	offers   *OfferCoordinator
}

func (s *search) run(ctx context.Context) (models.TerminalOutcome, error) {
	s.persist(ctx)
	for s.radius <= s.Config.MaxRadiusMeters {
		if out, ok := s.settled(); ok {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return models.Canceled(), err
		}

		fresh, err := s.candidates(ctx)
		if err != nil {
			return models.Canceled(), err
		}
		if len(fresh) == 0 {
			s.expand(ctx, 0)
			continue
		}
		for _, cand := range fresh {
			if s.excluded.Contains(cand.ID) {
				continue
			}
			if out, ok := s.recheck(ctx); ok {
				return out, nil
			}
			if s.Config.MaxOffers > 0 && s.sent >= s.Config.MaxOffers {
				if err := ctx.Err(); err != nil {
					return models.Canceled(), err
				}
				s.logger.Info("offer budget exhausted", "offers", s.sent)
				return s.expire(ctx)
			}
			s.sent++
			offer := s.offers.Offer(ctx, cand, s.Config.OfferTimeout)
			switch offer.Outcome {
			case models.OfferAccepted:
				return models.AssignedDriver(cand.ID), nil
			case models.OfferSuperseded:
				out := models.AssignedDriver(offer.AcceptedBy)
				out.Superseded = true
				return out, nil
			case models.OfferAborted:
				return models.Canceled(), ctx.Err()
			}
			s.excluded.Add(cand.ID)
			s.persist(ctx)
		}
	}
	if out, ok := s.settled(); ok {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return models.Canceled(), err
	}
	return s.expire(ctx)
}

// candidates queries the geo index, retrying failures at the same radius,
// and returns the non-excluded results nearest first. Exhausted retries give
// an empty pass; the only error is ctx's.
func (s *search) candidates(ctx context.Context) ([]models.DriverCandidate, error) {
	backoff := s.Config.GeoBackoff
	for attempt := 0; ; attempt++ {
		found, err := s.Geo.FindCandidates(ctx, s.req.Pickup, s.radius, s.req.VehicleClass, s.excluded.Snapshot())
		if err == nil {
			out := make([]models.DriverCandidate, 0, len(found))
			for _, c := range found {
				if !s.excluded.Contains(c.ID) {
					out = append(out, c)
				}
			}
			sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
			return out, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		observability.GeoErrors.Inc()
		s.logger.Warn("candidate query failed", "radius_m", s.radius, "attempt", attempt+1, "error", err)
		if attempt >= s.Config.GeoRetries {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *search) expand(ctx context.Context, found int) {
	next := s.Config.Expand(s.radius, found)
	if !(next > s.radius) {
		// an expander that does not grow would never terminate
		next = s.Config.MaxRadiusMeters + 1
	}
	observability.RadiusExpansions.Inc()
	s.logger.Debug("expanding search radius", "from_m", s.radius, "to_m", next)
	s.radius = next
	if s.radius <= s.Config.MaxRadiusMeters {
		s.persist(ctx)
	}
}

func (s *search) persist(ctx context.Context) {
	err := s.Store.RecordProgress(ctx, s.req.ID, s.excluded.Snapshot(), s.radius)
	if err != nil && !errors.Is(err, storage.ErrPreconditionFailed) && ctx.Err() == nil {
		s.logger.Warn("record progress failed", "error", err)
	}
}

// settled reports the outcome if the listener has seen a terminal status.
func (s *search) settled() (models.TerminalOutcome, bool) {
	select {
	case <-s.listener.Settled():
	default:
		return models.TerminalOutcome{}, false
	}
	out, ok := outcomeFor(s.listener.Status(), s.listener.AssignedDriver())
	if out.Kind == models.TerminalAssigned {
		// accepted outside the offer the loop was waiting on
		out.Superseded = true
	}
	return out, ok
}

// recheck is the pre-offer status check: the listener first, then a store
// read in case an event is still in flight.
func (s *search) recheck(ctx context.Context) (models.TerminalOutcome, bool) {
	if out, ok := s.settled(); ok {
		return out, true
	}
	cur, err := s.Store.Get(ctx, s.req.ID)
	if err != nil {
		return models.TerminalOutcome{}, false
	}
	s.listener.Observe(cur)
	return s.settled()
}

// expire settles the request as expired. Losing the race means someone else
// settled it first, and that is what gets reported.
func (s *search) expire(ctx context.Context) (models.TerminalOutcome, error) {
	err := s.Store.ConditionalUpdateStatus(ctx, s.req.ID, models.StatusSearching, models.StatusExpired, storage.Update{})
	if err == nil {
		s.logger.Info("no driver found", "radius_m", s.radius, "excluded", s.excluded.Len())
		return models.NoDriverFound(), nil
	}
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return models.NoDriverFound(), fmt.Errorf("expire: %w", err)
	}
	cur, gerr := s.Store.Get(ctx, s.req.ID)
	if gerr != nil {
		return models.NoDriverFound(), gerr
	}
	out, ok := outcomeFor(cur.Status, cur.AssignedDriverID)
	if !ok {
		return models.NoDriverFound(), err
	}
	if out.Kind == models.TerminalAssigned {
		out.Superseded = true
	}
	return out, nil
}

func outcomeFor(status models.Status, driverID string) (models.TerminalOutcome, bool) {
	r := models.RideRequest{Status: status, AssignedDriverID: driverID}
	return r.Outcome()
}
