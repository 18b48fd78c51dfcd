package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// runStoreContract exercises behaviour every RequestStore must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) RequestStore) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ConcurrentAcceptOnlyOneWins", func(t *testing.T) { testConcurrentAccept(t, newStore(t)) })
	t.Run("AcceptVsCancelRace", func(t *testing.T) { testAcceptVsCancel(t, newStore(t)) })
	t.Run("NoWritesAfterSettlement", func(t *testing.T) { testNoWritesAfterSettlement(t, newStore(t)) })
	t.Run("ProgressOnlyGrows", func(t *testing.T) { testProgressOnlyGrows(t, newStore(t)) })
	t.Run("SubscribeDeliversChanges", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("ListDueScheduled", func(t *testing.T) { testListDueScheduled(t, newStore(t)) })
}

func newRequest() *models.RideRequest {
	return &models.RideRequest{
		ID:           uuid.NewString(),
		RiderID:      "rider-1",
		Pickup:       models.Coord{Lat: 25.033, Lon: 121.565},
		Dropoff:      models.Coord{Lat: 25.047, Lon: 121.531},
		VehicleClass: "economy",
		Status:       models.StatusCreated,
	}
}

func mustCreateSearching(t *testing.T, s RequestStore) *models.RideRequest {
	t.Helper()
	ctx := context.Background()
	r := newRequest()
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ConditionalUpdateStatus(ctx, r.ID, models.StatusCreated, models.StatusSearching, Update{}); err != nil {
		t.Fatalf("start searching: %v", err)
	}
	return r
}

func testCreateAndGet(t *testing.T, s RequestStore) {
	ctx := context.Background()
	r := newRequest()
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, r); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCreated || got.RiderID != r.RiderID || got.VehicleClass != r.VehicleClass {
		t.Fatalf("unexpected request: %+v", got)
	}
	if _, err := s.Get(ctx, "missing-"+r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentAccept(t *testing.T, s RequestStore) {
	ctx := context.Background()
	r := mustCreateSearching(t, s)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			errs <- s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusAccepted, Update{AssignedDriverID: driverID})
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Status != models.StatusAccepted || got.AssignedDriverID == "" {
		t.Fatalf("unexpected final state: %+v", got)
	}
}

func testAcceptVsCancel(t *testing.T, s RequestStore) {
	ctx := context.Background()
	r := mustCreateSearching(t, s)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusAccepted, Update{AssignedDriverID: "d1"})
	}()
	go func() {
		defer wg.Done()
		errs <- s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusCanceled, Update{})
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", success)
	}
	got, _ := s.Get(ctx, r.ID)
	switch got.Status {
	case models.StatusAccepted:
		if got.AssignedDriverID != "d1" {
			t.Fatalf("accepted without driver: %+v", got)
		}
	case models.StatusCanceled:
		if got.AssignedDriverID != "" {
			t.Fatalf("canceled request has a driver: %+v", got)
		}
	default:
		t.Fatalf("unexpected final status %s", got.Status)
	}
}

func testNoWritesAfterSettlement(t *testing.T, s RequestStore) {
	ctx := context.Background()
	r := mustCreateSearching(t, s)
	if err := s.RecordProgress(ctx, r.ID, []string{"d1", "d2"}, 1000); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusAccepted, Update{AssignedDriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusCanceled, Update{}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if err := s.RecordProgress(ctx, r.ID, []string{"d1", "d2", "d3"}, 2000); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure on progress after settlement, got %v", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.AssignedDriverID != "d1" {
		t.Fatalf("assignee changed: %+v", got)
	}
	for _, id := range got.ExcludedDriverIDs {
		if id == got.AssignedDriverID {
			t.Fatalf("assignee %s left in exclusion set %v", id, got.ExcludedDriverIDs)
		}
	}
	if err := s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusAccepted, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for driverless accept, got %v", err)
	}
}

func testProgressOnlyGrows(t *testing.T, s RequestStore) {
	ctx := context.Background()
	r := mustCreateSearching(t, s)
	if err := s.RecordProgress(ctx, r.ID, []string{"a"}, 1000); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := s.RecordProgress(ctx, r.ID, []string{"a", "b"}, 2000); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if len(got.ExcludedDriverIDs) != 2 || got.SearchRadiusMeters != 2000 {
		t.Fatalf("unexpected progress: %+v", got)
	}
	// a shorter snapshot must never remove stored exclusions
	_ = s.RecordProgress(ctx, r.ID, []string{"b"}, 2000)
	got, _ = s.Get(ctx, r.ID)
	if len(got.ExcludedDriverIDs) != 2 {
		t.Fatalf("exclusion set shrank: %v", got.ExcludedDriverIDs)
	}
}

func testSubscribe(t *testing.T, s RequestStore) {
	ctx := context.Background()
	r := mustCreateSearching(t, s)
	sub, err := s.Subscribe(ctx, r.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := s.RecordDecline(ctx, r.ID, "d9"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusAccepted, Update{AssignedDriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var sawDecline, sawAccept bool
	timeout := time.After(2 * time.Second)
	for !(sawDecline && sawAccept) {
		select {
		case ev := <-sub.Events():
			if ev.DeclinedBy == "d9" {
				sawDecline = true
			}
			if ev.Status == models.StatusAccepted && ev.AssignedDriverID == "d1" {
				sawAccept = true
			}
		case <-timeout:
			t.Fatalf("timed out: decline=%v accept=%v", sawDecline, sawAccept)
		}
	}

	if _, err := s.Subscribe(ctx, "missing-"+r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListDueScheduled(t *testing.T, s RequestStore) {
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newRequest()
	due.ScheduledTime = &past
	later := newRequest()
	later.ScheduledTime = &future
	for _, r := range []*models.RideRequest{due, later, newRequest()} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := s.ListDueScheduled(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, r := range got {
		if r.ID == later.ID {
			t.Fatal("future request listed as due")
		}
		if r.ID == due.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("due request not listed")
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) RequestStore { return NewMemoryStore() })
}

func TestMemoryStoreClosedSubscriptionDoesNotBlockWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := mustCreateSearching(t, s)
	sub, err := s.Subscribe(ctx, r.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
	sub.Close()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < subscriptionBuffer*2; i++ {
			_ = s.RecordDecline(ctx, r.ID, fmt.Sprintf("d%d", i))
		}
		done <- s.ConditionalUpdateStatus(ctx, r.ID, models.StatusSearching, models.StatusExpired, Update{})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer blocked on a released subscription")
	}
}
