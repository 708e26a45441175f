// Package dispatch offers pending rides to nearby drivers and arbitrates
// concurrent acceptance.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/storage"
)

const DefaultLockTTL = 10 * time.Second

func LockKey(rideID string) string { return "ride:lock:" + rideID }

type Finder interface {
	FindNearby(ctx context.Context, point models.Coord, radius float64, tier models.Tier) ([]models.Candidate, error)
}

type Coordinator struct {
	finder   Finder
	locks    kv.Store
	machine  *ridestate.Machine
	profiles storage.ProfileStore
	pub      notify.Publisher
	logger   *slog.Logger
	lockTTL  time.Duration
}

func NewCoordinator(finder Finder, locks kv.Store, machine *ridestate.Machine, profiles storage.ProfileStore, pub notify.Publisher, logger *slog.Logger, lockTTL time.Duration) *Coordinator {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{finder: finder, locks: locks, machine: machine, profiles: profiles, pub: pub, logger: logger, lockTTL: lockTTL}
}

// RideRequest is the ride_request payload sent to each candidate.
type RideRequest struct {
	RideID           string       `json:"ride_id"`
	RiderID          string       `json:"rider_id"`
	Pickup           models.Place `json:"pickup"`
	Destination      models.Place `json:"destination"`
	Tier             models.Tier  `json:"tier"`
	Fare             int64        `json:"fare"`
	DistanceMeters   int64        `json:"distance_meters"`
	DurationSeconds  int64        `json:"duration_seconds"`
	DistanceToPickup float64      `json:"distance_to_pickup_meters"`
}

// Matched is the ride_matched payload sent to the rider.
type Matched struct {
	RideID   string            `json:"ride_id"`
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id"`
	Name     string            `json:"name,omitempty"`
	Rating   float64           `json:"rating,omitempty"`
	Vehicle  *models.Vehicle   `json:"vehicle,omitempty"`
}

// RequestDispatch offers a pending ride to every eligible driver near its pickup.
// No candidates leaves the ride pending with nobody notified.
func (c *Coordinator) RequestDispatch(ctx context.Context, ride *models.Ride) ([]models.Candidate, error) {
	if ride.Status != models.StatusPending {
		return nil, apperr.StateConflict("ride is %s and cannot be dispatched", ride.Status).
			With("ride_id", ride.ID).
			With("status", string(ride.Status))
	}
	cands, err := c.finder.FindNearby(ctx, ride.Pickup.Coord(), 0, ride.Tier)
	if err != nil {
		return nil, apperr.Internal(err, "find nearby drivers")
	}
	for _, cand := range cands {
		c.pub.Publish(ctx, notify.DriverChannel(cand.DriverID), notify.EventRideRequest, RideRequest{
			RideID:           ride.ID,
			RiderID:          ride.RiderID,
			Pickup:           ride.Pickup,
			Destination:      ride.Destination,
			Tier:             ride.Tier,
			Fare:             ride.Fare,
			DistanceMeters:   ride.Distance,
			DurationSeconds:  ride.Duration,
			DistanceToPickup: cand.Distance,
		})
	}
	observability.DispatchCandidates.Observe(float64(len(cands)))
	c.logger.Info("ride dispatched", "ride_id", ride.ID, "tier", ride.Tier, "candidates", len(cands))
	return cands, nil
}

// AttemptAccept lets exactly one driver claim a pending ride. The accept lock
// is left to expire rather than released; once accepted the ride can never
// be claimed again, so there is nothing to release for.
func (c *Coordinator) AttemptAccept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, apperr.Validation("driver id is required")
	}
	ok, err := c.locks.SetIfAbsent(ctx, LockKey(rideID), driverID, c.lockTTL)
	if err != nil {
		observability.AcceptAttempts.WithLabelValues("error").Inc()
		return nil, apperr.Internal(err, "acquire accept lock")
	}
	if !ok {
		observability.AcceptAttempts.WithLabelValues("locked").Inc()
		return nil, apperr.Conflict("ride is already being accepted").With("ride_id", rideID)
	}

	ride, err := c.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusPending {
		observability.AcceptAttempts.WithLabelValues("taken").Inc()
		return nil, alreadyTaken(rideID, ride.Status)
	}
	ride, err = c.machine.Accept(ctx, rideID, driverID)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.KindStateConflict {
			observability.AcceptAttempts.WithLabelValues("taken").Inc()
			status, _ := ae.Details["status"].(string)
			return nil, alreadyTaken(rideID, models.RideStatus(status))
		}
		return nil, err
	}
	observability.AcceptAttempts.WithLabelValues("won").Inc()
	c.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	c.pub.Publish(ctx, notify.RiderChannel(ride.RiderID), notify.EventRideMatched, c.matched(ctx, ride))
	return ride, nil
}

func (c *Coordinator) matched(ctx context.Context, ride *models.Ride) Matched {
	m := Matched{RideID: ride.ID, Status: ride.Status, DriverID: ride.DriverID}
	if c.profiles == nil {
		return m
	}
	p, err := c.profiles.GetProfile(ctx, ride.DriverID)
	if err != nil {
		c.logger.Warn("driver profile for match notice", "driver_id", ride.DriverID, "error", err)
		return m
	}
	m.Name = p.Name
	m.Rating = p.Rating
	m.Vehicle = &p.Vehicle
	return m
}

func alreadyTaken(rideID string, status models.RideStatus) *apperr.Error {
	return apperr.Conflict("ride already accepted or cancelled").
		With("ride_id", rideID).
		With("status", string(status))
}
