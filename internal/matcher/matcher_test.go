package matcher

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestExclusionTrackerKeepsInsertionOrder(t *testing.T) {
	tr := NewExclusionTracker([]string{"a", "b", "a"})
	if tr.Len() != 2 {
		t.Fatalf("expected 2, got %d", tr.Len())
	}
	if !tr.Add("c") || tr.Add("b") {
		t.Fatal("unexpected Add result")
	}
	snap := tr.Snapshot()
	if !equalStrings(snap, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	snap[0] = "mutated"
	if !tr.Contains("a") || tr.Contains("mutated") {
		t.Fatal("snapshot aliases tracker state")
	}
}

func TestStepExpander(t *testing.T) {
	next := StepExpander([]float64{3000, 1000, 2000})
	if got := next(1000, 0); got != 2000 {
		t.Fatalf("expected 2000, got %v", got)
	}
	if got := next(1500, 0); got != 2000 {
		t.Fatalf("expected 2000, got %v", got)
	}
	if got := next(3000, 0); !math.IsInf(got, 1) {
		t.Fatalf("expected +Inf past the last step, got %v", got)
	}
}

func TestGeometricExpanderGrows(t *testing.T) {
	next := GeometricExpander(1.5, 250)
	if got := next(1000, 0); got != 1500 {
		t.Fatalf("expected 1500, got %v", got)
	}
	if got := next(100, 0); got != 350 {
		t.Fatalf("expected minimum step, got %v", got)
	}
	flat := GeometricExpander(0.5, 0)
	if got := flat(10, 0); got <= 10 {
		t.Fatalf("expander must grow, got %v", got)
	}
}

func startSearching(t *testing.T, store storage.RequestStore) string {
	t.Helper()
	id := createRequest(t, store)
	if err := store.ConditionalUpdateStatus(context.Background(), id, models.StatusCreated, models.StatusSearching, storage.Update{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return id
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestListenerSeesAcceptance(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)

	l, req, err := Listen(ctx, store, id)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if req.Status != models.StatusSearching || l.Status() != models.StatusSearching {
		t.Fatalf("unexpected seed state %s/%s", req.Status, l.Status())
	}
	if err := store.ConditionalUpdateStatus(ctx, id, models.StatusSearching, models.StatusAccepted, storage.Update{AssignedDriverID: "d7"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitClosed(t, l.Accepted(), "acceptance")
	waitClosed(t, l.Settled(), "settlement")
	if l.AssignedDriver() != "d7" {
		t.Fatalf("expected d7, got %q", l.AssignedDriver())
	}
}

func TestListenerSeedsSettledState(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)
	if err := store.ConditionalUpdateStatus(ctx, id, models.StatusSearching, models.StatusCanceled, storage.Update{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	l, _, err := Listen(ctx, store, id)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	waitClosed(t, l.Settled(), "settlement")
	select {
	case <-l.Accepted():
		t.Fatal("canceled request reported as accepted")
	default:
	}
	// a stale non-terminal event must not reopen a settled request
	l.apply(storage.Event{RequestID: id, Status: models.StatusSearching})
	if l.Status() != models.StatusCanceled {
		t.Fatalf("terminal status overwritten: %s", l.Status())
	}
}

func TestListenerObserveFollowsEventRules(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)

	l, req, err := Listen(ctx, store, id)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if l.AssignedDriver() != "" {
		t.Fatalf("expected no driver before acceptance, got %q", l.AssignedDriver())
	}

	accepted := req.Clone()
	accepted.Status = models.StatusAccepted
	accepted.AssignedDriverID = "d3"
	l.Observe(accepted)
	waitClosed(t, l.Accepted(), "acceptance")

	// a second terminal read must neither panic on a closed channel nor win
	canceled := req.Clone()
	canceled.Status = models.StatusCanceled
	l.Observe(canceled)
	l.Observe(accepted)
	if l.Status() != models.StatusAccepted || l.AssignedDriver() != "d3" {
		t.Fatalf("expected accepted by d3 to stick, got %s/%q", l.Status(), l.AssignedDriver())
	}
}

func TestListenerRemembersEarlyDecline(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)
	l, _, err := Listen(ctx, store, id)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	if err := store.RecordDecline(ctx, id, "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	waitClosed(t, l.Declined("d1"), "decline")
	select {
	case <-l.Declined("d2"):
		t.Fatal("decline leaked to another driver")
	default:
	}
}

func TestListenUnknownRequest(t *testing.T) {
	if _, _, err := Listen(context.Background(), storage.NewMemoryStore(), "nope"); err == nil {
		t.Fatal("expected error for unknown request")
	}
}

func newCoordinator(t *testing.T, store storage.RequestStore, id string, n Notifier) (*OfferCoordinator, *AcceptanceListener) {
	t.Helper()
	l, req, err := Listen(context.Background(), store, id)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(l.Close)
	return NewOfferCoordinator(req, l, n, fixedETA(90), discardLogger()), l
}

func TestOfferAcceptanceWinsTies(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)
	c, l := newCoordinator(t, store, id, &fakeNotifier{})

	_ = store.RecordDecline(ctx, id, "d1")
	_ = store.ConditionalUpdateStatus(ctx, id, models.StatusSearching, models.StatusAccepted, storage.Update{AssignedDriverID: "d1"})
	waitClosed(t, l.Accepted(), "acceptance")
	waitClosed(t, l.Declined("d1"), "decline")

	for i := 0; i < 20; i++ {
		offer := c.Offer(ctx, candidate("d1", 100), 0)
		if offer.Outcome != models.OfferAccepted || offer.AcceptedBy != "d1" {
			t.Fatalf("expected accepted, got %+v", offer)
		}
	}
}

func TestOfferOutcomes(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)
	n := &fakeNotifier{}
	c, _ := newCoordinator(t, store, id, n)

	if got := c.Offer(ctx, candidate("d1", 100), 20*time.Millisecond); got.Outcome != models.OfferTimedOut {
		t.Fatalf("expected timed out, got %s", got.Outcome)
	}
	n.onNotify = func(driverID string) { _ = store.RecordDecline(context.Background(), id, driverID) }
	if got := c.Offer(ctx, candidate("d2", 100), time.Second); got.Outcome != models.OfferRejected {
		t.Fatalf("expected rejected, got %s", got.Outcome)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	n.onNotify = nil
	if got := c.Offer(cctx, candidate("d3", 100), time.Second); got.Outcome != models.OfferAborted {
		t.Fatalf("expected aborted, got %s", got.Outcome)
	}

	n.onNotify = func(string) {
		_ = store.ConditionalUpdateStatus(context.Background(), id, models.StatusSearching, models.StatusAccepted, storage.Update{AssignedDriverID: "other"})
	}
	got := c.Offer(ctx, candidate("d4", 100), time.Second)
	if got.Outcome != models.OfferSuperseded || got.AcceptedBy != "other" {
		t.Fatalf("expected superseded by other, got %+v", got)
	}
}

func TestOfferPayloadCarriesETAAndDeadline(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	id := startSearching(t, store)
	n := &fakeNotifier{}
	c, _ := newCoordinator(t, store, id, n)

	offer := c.Offer(ctx, candidate("d1", 420), 10*time.Millisecond)
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(n.payloads))
	}
	p := n.payloads[0]
	if p.RequestID != id || p.DriverID != "d1" || p.DistanceMeters != 420 || p.PickupETASeconds != 90 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if !p.Deadline.Equal(offer.Deadline) {
		t.Fatalf("payload deadline %v != offer deadline %v", p.Deadline, offer.Deadline)
	}
}
