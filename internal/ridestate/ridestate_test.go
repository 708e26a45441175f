package ridestate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newMachine() (*Machine, *storage.MemoryStore) {
	s := storage.NewMemoryStore()
	return New(s), s
}

func create(t *testing.T, m *Machine) *models.Ride {
	t.Helper()
	r, err := m.Create(context.Background(), NewRide{
		RiderID:     "rider-1",
		Pickup:      models.Place{Lat: 12.9716, Lng: 77.5946, Address: "MG Road, Bengaluru"},
		Destination: models.Place{Lat: 12.9352, Lng: 77.6245, Address: "Koramangala, Bengaluru"},
		Tier:        models.TierCity,
		Fare:        82,
		Distance:    5200,
		Duration:    900,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestHappyPath(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	r := create(t, m)
	if r.Status != models.StatusPending || r.DriverID != "" {
		t.Fatalf("unexpected new ride %+v", r)
	}

	r, err := m.Accept(ctx, r.ID, "d1")
	if err != nil || r.Status != models.StatusAccepted || r.DriverID != "d1" {
		t.Fatalf("Accept: %+v %v", r, err)
	}
	r, err = m.Start(ctx, r.ID, "d1")
	if err != nil || r.Status != models.StatusOngoing || r.StartedAt == nil {
		t.Fatalf("Start: %+v %v", r, err)
	}
	r, err = m.Complete(ctx, r.ID, "d1")
	if err != nil || r.Status != models.StatusCompleted || r.EndedAt == nil {
		t.Fatalf("Complete: %+v %v", r, err)
	}
	if r.DriverID != "d1" || r.Fare != 82 {
		t.Fatalf("completed ride lost fields: %+v", r)
	}
}

func TestIllegalTransitions(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	r := create(t, m)

	if _, err := m.Start(ctx, r.ID, "d1"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("start on pending ride: %v", err)
	}
	if _, err := m.Complete(ctx, r.ID, "d1"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("complete on pending ride: %v", err)
	}
	_, _ = m.Accept(ctx, r.ID, "d1")
	if _, err := m.Accept(ctx, r.ID, "d2"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("double accept: %v", err)
	}
	if _, err := m.Complete(ctx, r.ID, "d1"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("complete from accepted: %v", err)
	}
	if _, err := m.Start(ctx, r.ID, "d2"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("start by other driver: %v", err)
	}
	_, _ = m.Start(ctx, r.ID, "d1")
	_, _, err := m.Cancel(ctx, r.ID, models.ActorRider, "rider-1", "")
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("cancel ongoing: %v", err)
	}
	ae := err.(*apperr.Error)
	if ae.Details["status"] != "ongoing" {
		t.Fatalf("expected current status in details, got %v", ae.Details)
	}
}

func TestCancel(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()

	pending := create(t, m)
	if _, _, err := m.Cancel(ctx, pending.ID, models.ActorRider, "someone-else", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("cancel by stranger: %v", err)
	}
	r, prev, err := m.Cancel(ctx, pending.ID, models.ActorRider, "rider-1", "changed plans")
	if err != nil || r.Status != models.StatusCancelled || prev != "" {
		t.Fatalf("cancel pending: %+v %q %v", r, prev, err)
	}
	if r.CancelledBy != models.ActorRider || r.CancelReason != "changed plans" {
		t.Fatalf("cancel metadata missing: %+v", r)
	}
	if _, _, err := m.Cancel(ctx, pending.ID, models.ActorRider, "rider-1", ""); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("second cancel: %v", err)
	}

	accepted := create(t, m)
	_, _ = m.Accept(ctx, accepted.ID, "d7")
	r, prev, err = m.Cancel(ctx, accepted.ID, models.ActorDriver, "d7", "flat tyre")
	if err != nil || prev != "d7" || r.DriverID != "" || r.CancelledBy != models.ActorDriver {
		t.Fatalf("driver cancel: %+v %q %v", r, prev, err)
	}
	if _, _, err := m.Cancel(ctx, accepted.ID, models.ActorDriver, "d7", ""); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("second cancel by driver: %v", err)
	}
	if _, err := m.Start(ctx, accepted.ID, "d7"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("start after cancel: %v", err)
	}

	done := create(t, m)
	_, _ = m.Accept(ctx, done.ID, "d1")
	_, _ = m.Start(ctx, done.ID, "d1")
	_, _ = m.Complete(ctx, done.ID, "d1")
	if _, _, err := m.Cancel(ctx, done.ID, models.ActorDriver, "d1", ""); !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("cancel completed: %v", err)
	}
}

func TestConcurrentStartAndCancelHaveOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, _ := newMachine()
		ctx := context.Background()
		r := create(t, m)
		_, _ = m.Accept(ctx, r.ID, "d1")

		var wg sync.WaitGroup
		var startErr, cancelErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, startErr = m.Start(ctx, r.ID, "d1") }()
		go func() { defer wg.Done(); _, _, cancelErr = m.Cancel(ctx, r.ID, models.ActorRider, "rider-1", "") }()
		wg.Wait()

		if (startErr == nil) == (cancelErr == nil) {
			t.Fatalf("expected exactly one winner, start=%v cancel=%v", startErr, cancelErr)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newMachine()
	_, err := m.Create(context.Background(), NewRide{RiderID: "r", Tier: "bus"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTimestampsUseClock(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	m, _ := newMachine()
	m.WithClock(func() time.Time { return fixed })
	r := create(t, m)
	if !r.CreatedAt.Equal(fixed) {
		t.Fatalf("CreatedAt = %v", r.CreatedAt)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]models.RideStatus{
		{models.StatusPending, models.StatusAccepted},
		{models.StatusAccepted, models.StatusOngoing},
		{models.StatusOngoing, models.StatusCompleted},
		{models.StatusPending, models.StatusCancelled},
		{models.StatusAccepted, models.StatusCancelled},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("%s -> %s should be legal", e[0], e[1])
		}
	}
	for _, from := range []models.RideStatus{models.StatusOngoing, models.StatusCompleted, models.StatusCancelled} {
		if CanTransition(from, models.StatusCancelled) {
			t.Fatalf("%s -> cancelled should be illegal", from)
		}
	}
	if CanTransition(models.StatusPending, models.StatusOngoing) {
		t.Fatalf("pending -> ongoing should be illegal")
	}
}
