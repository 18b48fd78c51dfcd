package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestService(store storage.RequestStore, g *fakeGeo, n *fakeNotifier) *Service {
	return NewService(newTestLoop(store, g, n), discardLogger())
}

func TestDispatchReturnsRunningHandle(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	g := &fakeGeo{drivers: []models.DriverCandidate{candidate("D1", 100)}}
	n := &fakeNotifier{}
	svc := newTestService(store, g, n)
	svc.loop.Config.OfferTimeout = 200 * time.Millisecond
	defer svc.Shutdown(context.Background())

	id := createRequest(t, store)
	h1, err := svc.Dispatch(ctx, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h2, err := svc.Dispatch(ctx, id)
	if err != nil {
		t.Fatalf("dispatch again: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the running handle to be reused")
	}

	status, err := svc.Cancel(ctx, id)
	if err != nil || status != models.StatusCanceled {
		t.Fatalf("cancel: status=%s err=%v", status, err)
	}
	out, err := h1.Wait(ctx)
	if err != nil || out.Kind != models.TerminalCanceled {
		t.Fatalf("expected canceled, got %+v err=%v", out, err)
	}
}

func TestDispatchAcceptedViaResponder(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	g := &fakeGeo{drivers: []models.DriverCandidate{candidate("D1", 100)}}
	n := &fakeNotifier{}
	svc := newTestService(store, g, n)
	svc.loop.Config.OfferTimeout = 2 * time.Second
	defer svc.Shutdown(context.Background())

	id := createRequest(t, store)
	n.onNotify = func(driverID string) { _ = svc.AcceptOffer(context.Background(), id, driverID) }
	h, err := svc.Dispatch(ctx, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	out, err := h.Wait(ctx)
	if err != nil || out.DriverID != "D1" {
		t.Fatalf("expected D1, got %+v err=%v", out, err)
	}

	// a settled request hands back a finished handle
	h2, err := svc.Dispatch(ctx, id)
	if err != nil {
		t.Fatalf("dispatch settled: %v", err)
	}
	select {
	case <-h2.Done():
	default:
		t.Fatal("expected finished handle")
	}

	if status, err := svc.Cancel(ctx, id); err != nil || status != models.StatusAccepted {
		t.Fatalf("cancel after accept should report accepted, got %s err=%v", status, err)
	}
	if err := svc.AcceptOffer(ctx, id, "D2"); !errors.Is(err, storage.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for second accept, got %v", err)
	}
}

func TestScheduledRequestWaitsForScheduler(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	svc := newTestService(store, &fakeGeo{}, &fakeNotifier{})
	defer svc.Shutdown(context.Background())

	at := time.Now().Add(time.Hour)
	r := &models.RideRequest{ID: uuid.NewString(), RiderID: "r", Pickup: models.Coord{Lat: 1, Lon: 1}, ScheduledTime: &at}
	if err := svc.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Dispatch(ctx, r.ID); !errors.Is(err, ErrScheduled) {
		t.Fatalf("expected ErrScheduled, got %v", err)
	}

	svc.now = func() time.Time { return at.Add(time.Second) }
	svc.dispatchDue(ctx)

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.Get(ctx, r.ID)
		if got.Status == models.StatusExpired {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("scheduled request not dispatched, status=%s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	svc := newTestService(store, &fakeGeo{}, &fakeNotifier{})
	defer svc.Shutdown(context.Background())

	id := createRequest(t, store)
	if status, err := svc.Cancel(ctx, id); err != nil || status != models.StatusCanceled {
		t.Fatalf("cancel: status=%s err=%v", status, err)
	}
	if _, err := svc.Cancel(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShutdownStopsLoops(t *testing.T) {
	ctx := testContext(t)
	store := storage.NewMemoryStore()
	g := &fakeGeo{drivers: []models.DriverCandidate{candidate("D1", 100)}}
	n := &fakeNotifier{}
	svc := newTestService(store, g, n)
	svc.loop.Config.OfferTimeout = time.Minute

	id := createRequest(t, store)
	notified := make(chan struct{})
	n.onNotify = func(string) { close(notified) }
	h, err := svc.Dispatch(ctx, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitClosed(t, notified, "offer")

	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out, err := h.Outcome()
	if !errors.Is(err, context.Canceled) || out.Kind != models.TerminalCanceled {
		t.Fatalf("expected canceled by shutdown, got %+v err=%v", out, err)
	}
	got, _ := store.Get(ctx, id)
	if got.Status != models.StatusSearching {
		t.Fatalf("interrupted request should stay searching, got %s", got.Status)
	}
	if _, err := svc.Dispatch(ctx, id); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
