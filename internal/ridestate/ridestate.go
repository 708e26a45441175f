// Package ridestate owns every ride status change. Transitions are
// compare-and-swap writes against the store so concurrent callers on the same
// ride resolve to exactly one winner.
package ridestate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusPending:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted: {models.StatusOngoing, models.StatusCancelled},
	models.StatusOngoing:  {models.StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Machine struct {
	store storage.RideStore
	now   func() time.Time
	newID func() string
}

func New(store storage.RideStore) *Machine {
	return &Machine{store: store, now: time.Now, newID: uuid.NewString}
}

// WithClock replaces the time source used for timestamps.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

type NewRide struct {
	RiderID     string
	Pickup      models.Place
	Destination models.Place
	Tier        models.Tier
	Fare        int64
	Distance    int64
	Duration    int64
	Geometry    [][2]float64
}

func (m *Machine) Create(ctx context.Context, in NewRide) (*models.Ride, error) {
	switch {
	case in.RiderID == "":
		return nil, apperr.Validation("rider id is required")
	case !in.Tier.Valid():
		return nil, apperr.Validation("unknown tier %q", in.Tier)
	case !geo.ValidCoord(in.Pickup.Coord()):
		return nil, apperr.Validation("invalid pickup coordinates")
	case !geo.ValidCoord(in.Destination.Coord()):
		return nil, apperr.Validation("invalid destination coordinates")
	}
	now := m.now()
	r := &models.Ride{
		ID:          m.newID(),
		RiderID:     in.RiderID,
		Pickup:      in.Pickup,
		Destination: in.Destination,
		Status:      models.StatusPending,
		Fare:        in.Fare,
		Distance:    in.Distance,
		Duration:    in.Duration,
		Tier:        in.Tier,
		Geometry:    in.Geometry,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateRide(ctx, r); err != nil {
		return nil, apperr.Internal(err, "create ride")
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusPending)).Inc()
	return r, nil
}

// Accept assigns driverID to a pending ride.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, apperr.Validation("driver id is required")
	}
	d := driverID
	return m.transition(ctx, rideID, models.StatusPending, storage.RideUpdate{
		Status:    models.StatusAccepted,
		DriverID:  &d,
		UpdatedAt: m.now(),
	})
}

// Start begins the trip. Only the assigned driver sees the ride.
func (m *Machine) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if _, err := m.loadForDriver(ctx, rideID, driverID, models.StatusOngoing); err != nil {
		return nil, err
	}
	now := m.now()
	return m.transition(ctx, rideID, models.StatusAccepted, storage.RideUpdate{
		Status:    models.StatusOngoing,
		StartedAt: &now,
		UpdatedAt: now,
	})
}

func (m *Machine) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if _, err := m.loadForDriver(ctx, rideID, driverID, models.StatusCompleted); err != nil {
		return nil, err
	}
	now := m.now()
	return m.transition(ctx, rideID, models.StatusOngoing, storage.RideUpdate{
		Status:    models.StatusCompleted,
		EndedAt:   &now,
		UpdatedAt: now,
	})
}

// Cancel moves a pending or accepted ride to cancelled and clears its driver.
// The second return value is the driver that was assigned, if any, so the
// caller can tell them.
func (m *Machine) Cancel(ctx context.Context, rideID string, actor models.Actor, actorID, reason string) (*models.Ride, string, error) {
	cur, err := m.get(ctx, rideID)
	if err != nil {
		return nil, "", err
	}
	switch actor {
	case models.ActorRider:
		if cur.RiderID != actorID {
			return nil, "", rideNotFound(rideID)
		}
	case models.ActorDriver:
		if actorID == "" {
			return nil, "", apperr.Validation("driver id is required")
		}
		// Cancelling clears the driver, so a repeat cancel by the same
		// driver has to be judged on status alone.
		if cur.DriverID == "" && !CanTransition(cur.Status, models.StatusCancelled) {
			return nil, "", stateConflict(rideID, cur.Status, models.StatusCancelled)
		}
		if cur.DriverID != actorID {
			return nil, "", rideNotFound(rideID)
		}
	default:
		return nil, "", apperr.Validation("unknown actor %q", actor)
	}
	if !CanTransition(cur.Status, models.StatusCancelled) {
		return nil, "", stateConflict(rideID, cur.Status, models.StatusCancelled)
	}
	// While a ride is accepted its driver cannot change, so cur.DriverID is
	// still correct if the swap below succeeds.
	none := ""
	r, err := m.transition(ctx, rideID, cur.Status, storage.RideUpdate{
		Status:       models.StatusCancelled,
		DriverID:     &none,
		CancelledBy:  actor,
		CancelReason: reason,
		UpdatedAt:    m.now(),
	})
	if err != nil {
		return nil, "", err
	}
	return r, cur.DriverID, nil
}

func (m *Machine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.get(ctx, rideID)
}

func (m *Machine) get(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := m.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, rideNotFound(rideID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load ride")
	}
	return r, nil
}

// loadForDriver returns the ride if driverID is assigned to it. A ride with no
// driver (pending, or cancelled) is a state conflict rather than a mismatch.
func (m *Machine) loadForDriver(ctx context.Context, rideID, driverID string, to models.RideStatus) (*models.Ride, error) {
	if driverID == "" {
		return nil, apperr.Validation("driver id is required")
	}
	r, err := m.get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID == "" {
		return nil, stateConflict(rideID, r.Status, to)
	}
	if r.DriverID != driverID {
		return nil, rideNotFound(rideID)
	}
	return r, nil
}

func (m *Machine) transition(ctx context.Context, rideID string, expected models.RideStatus, upd storage.RideUpdate) (*models.Ride, error) {
	r, err := m.store.UpdateRideIf(ctx, rideID, expected, upd)
	switch {
	case err == nil:
		observability.RideTransitions.WithLabelValues(string(upd.Status)).Inc()
		return r, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, rideNotFound(rideID)
	case errors.Is(err, storage.ErrPreconditionFailed):
		cur, gerr := m.get(ctx, rideID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, stateConflict(rideID, cur.Status, upd.Status)
	default:
		return nil, apperr.Internal(err, "update ride")
	}
}

func rideNotFound(rideID string) *apperr.Error {
	return apperr.NotFound("ride %s not found", rideID).With("ride_id", rideID)
}

func stateConflict(rideID string, from, to models.RideStatus) *apperr.Error {
	return apperr.StateConflict("ride is %s and cannot become %s", from, to).
		With("ride_id", rideID).
		With("status", string(from))
}
