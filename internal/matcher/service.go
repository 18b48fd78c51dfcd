package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrScheduled is returned by Dispatch for a request whose scheduled
	// time is still in the future. The scheduler picks it up later.
	ErrScheduled = errors.New("ride request is scheduled for later")

	// ErrShuttingDown is returned by Dispatch after Shutdown started.
	ErrShuttingDown = errors.New("dispatch service is shutting down")
)

// Handle is the owner's view of one running dispatch loop.
type Handle struct {
	RequestID string

	done    chan struct{}
	outcome models.TerminalOutcome
	err     error
}

// Done is closed when the loop has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome is only meaningful after Done is closed.
func (h *Handle) Outcome() (models.TerminalOutcome, error) {
	<-h.done
	return h.outcome, h.err
}

// Wait blocks until the loop returns or ctx is done.
func (h *Handle) Wait(ctx context.Context) (models.TerminalOutcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return models.TerminalOutcome{}, ctx.Err()
	}
}

// Service owns one dispatch loop per request. Loops outlive the calls that
// start them and stop on Shutdown.
type Service struct {
	*Responder

	loop   *Loop
	store  storage.RequestStore
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Handle
	closed  bool
}

func NewService(loop *Loop, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		Responder: NewResponder(loop.Store, logger),
		loop:      loop,
		store:     loop.Store,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]*Handle),
	}
}

func (s *Service) Create(ctx context.Context, r *models.RideRequest) error {
	r.Status = models.StatusCreated
	r.AssignedDriverID = ""
	r.ExcludedDriverIDs = nil
	return s.store.Create(ctx, r)
}

func (s *Service) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	return s.store.Get(ctx, id)
}

// Dispatch starts the loop for requestID, or returns the handle of the loop
// already running for it. Settled requests get an already-done handle.
func (s *Service) Dispatch(ctx context.Context, requestID string) (*Handle, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == models.StatusCreated && req.IsScheduledAfter(s.now()) {
		return nil, fmt.Errorf("%w: %s at %s", ErrScheduled, requestID, req.ScheduledTime.Format(time.RFC3339))
	}
	if out, ok := req.Outcome(); ok {
		h := &Handle{RequestID: requestID, done: make(chan struct{}), outcome: out}
		close(h.done)
		return h, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if h, ok := s.running[requestID]; ok {
		return h, nil
	}
	h := &Handle{RequestID: requestID, done: make(chan struct{})}
	s.running[requestID] = h
	s.wg.Add(1)
	go s.run(h)
	return h, nil
}

func (s *Service) run(h *Handle) {
	defer s.wg.Done()
	observability.ActiveDispatches.Inc()
	start := time.Now()

	h.outcome, h.err = s.loop.Run(s.ctx, h.RequestID)

	observability.ActiveDispatches.Dec()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	observability.DispatchOutcomes.WithLabelValues(string(h.outcome.Kind)).Inc()
	args := []any{"request_id", h.RequestID, "outcome", h.outcome.Kind, "duration_ms", time.Since(start).Milliseconds()}
	if h.outcome.DriverID != "" {
		args = append(args, "driver_id", h.outcome.DriverID, "superseded", h.outcome.Superseded)
	}
	if h.err != nil && !errors.Is(h.err, context.Canceled) {
		s.logger.Error("dispatch ended with error", append(args, "error", h.err)...)
	} else {
		s.logger.Info("dispatch finished", args...)
	}

	s.mu.Lock()
	delete(s.running, h.RequestID)
	s.mu.Unlock()
	close(h.done)
}

// Cancel is the rider's cancel. A lost race is not an error: the returned
// status says how the request actually settled.
func (s *Service) Cancel(ctx context.Context, requestID string) (models.Status, error) {
	for _, from := range []models.Status{models.StatusSearching, models.StatusCreated} {
		err := s.store.ConditionalUpdateStatus(ctx, requestID, from, models.StatusCanceled, storage.Update{})
		if err == nil {
			s.logger.Info("ride request canceled", "request_id", requestID, "from", from)
			return models.StatusCanceled, nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return "", err
		}
	}
	cur, err := s.store.Get(ctx, requestID)
	if err != nil {
		return "", err
	}
	if !cur.Status.IsTerminal() {
		// moved between created and searching under us; try once more
		if err := s.store.ConditionalUpdateStatus(ctx, requestID, cur.Status, models.StatusCanceled, storage.Update{}); err == nil {
			return models.StatusCanceled, nil
		}
		if cur, err = s.store.Get(ctx, requestID); err != nil {
			return "", err
		}
	}
	return cur.Status, nil
}

// RunScheduler dispatches due scheduled requests every tick until ctx is done.
func (s *Service) RunScheduler(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Service) dispatchDue(ctx context.Context) {
	due, err := s.store.ListDueScheduled(ctx, s.now())
	if err != nil {
		s.logger.Warn("list scheduled requests failed", "error", err)
		return
	}
	for _, r := range due {
		if _, err := s.Dispatch(ctx, r.ID); err != nil {
			s.logger.Warn("scheduled dispatch failed", "request_id", r.ID, "error", err)
		}
	}
}

// Shutdown stops all loops and waits for them, or for ctx. Interrupted
// requests stay searching and can be dispatched again later.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
