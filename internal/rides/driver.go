package rides

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/stats"
	"github.com/example/ride-dispatch/internal/storage"
)

var busyStatuses = []models.RideStatus{models.StatusAccepted, models.StatusOngoing}

// AttemptAccept assigns the ride to driverID unless the driver is already on
// another trip or someone else got there first.
func (s *Service) AttemptAccept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	release, err := s.claim(ctx, driverClaimKey(driverID))
	if err != nil {
		return nil, err
	}
	defer release()
	busy, err := s.activeRide(ctx, storage.RideFilter{DriverID: driverID, Statuses: busyStatuses})
	if err != nil {
		return nil, err
	}
	if busy != nil && busy.ID != rideID {
		return nil, apperr.Conflict("driver already has an active ride").With("ride_id", busy.ID)
	}
	return s.coord.AttemptAccept(ctx, rideID, driverID)
}

func (s *Service) StartRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.machine.Start(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, notify.RiderChannel(ride.RiderID), notify.EventTripUpdate, TripUpdate{
		RideID:    ride.ID,
		Status:    ride.Status,
		DriverID:  ride.DriverID,
		StartedAt: ride.StartedAt,
	})
	s.logger.Info("ride started", "ride_id", ride.ID, "driver_id", driverID)
	return ride, nil
}

// CompleteRide ends the trip and settles the driver's books. Only the state
// change can fail the call; the bookkeeping after it is logged and counted.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.machine.Complete(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	endedAt := s.now()
	if ride.EndedAt != nil {
		endedAt = *ride.EndedAt
	}

	if err := s.store.CreatePayment(ctx, &models.Payment{
		ID:        s.newID(),
		RideID:    ride.ID,
		Amount:    ride.Fare,
		Status:    models.PaymentUnpaid,
		Method:    "cash",
		CreatedAt: endedAt,
		UpdatedAt: endedAt,
	}); err != nil {
		s.bookkeepingFailed("payment", ride.ID, err)
	}
	if err := s.store.IncrementProfileTotals(ctx, driverID, ride.Fare, 1); err != nil {
		s.bookkeepingFailed("profile_totals", ride.ID, err)
	}
	var day *models.DriverStats
	if st, err := s.stats.RecordCompletion(ctx, driverID, ride.Fare, ride.TripMinutes(), endedAt); err != nil {
		s.bookkeepingFailed("stats", ride.ID, err)
	} else {
		day = st
	}
	if err := s.store.TouchRecentLocation(ctx, &models.RecentLocation{
		ID:       s.newID(),
		UserID:   ride.RiderID,
		Name:     placeName(ride.Destination.Address),
		Address:  ride.Destination.Address,
		Lat:      ride.Destination.Lat,
		Lng:      ride.Destination.Lng,
		Kind:     "visited",
		LastUsed: endedAt,
	}); err != nil {
		s.bookkeepingFailed("recent_location", ride.ID, err)
	}

	s.pub.Publish(ctx, notify.RiderChannel(ride.RiderID), notify.EventTripUpdate, TripUpdate{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		Fare:     ride.Fare,
		EndedAt:  ride.EndedAt,
	})
	upd := StatsUpdated{RideID: ride.ID, Fare: ride.Fare}
	if p, err := s.store.GetProfile(ctx, driverID); err == nil {
		upd.TotalEarnings = p.Earnings
		upd.TotalRides = p.TotalRides
	}
	if day != nil {
		upd.TodayTrips = day.TodayTrips
		upd.TodayOnlineMinutes = day.TodayOnlineMinutes
		if n := len(day.WeeklyEarnings); n > 0 {
			upd.TodayEarnings = day.WeeklyEarnings[n-1].Amount
		}
	}
	s.pub.Publish(ctx, notify.DriverChannel(driverID), notify.EventDriverStatsUpdated, upd)

	s.logger.Info("ride completed", "ride_id", ride.ID, "driver_id", driverID, "fare", ride.Fare)
	return ride, nil
}

// placeName is the first comma-separated part of an address.
func placeName(address string) string {
	name, _, _ := strings.Cut(address, ",")
	if name = strings.TrimSpace(name); name == "" {
		return "Unnamed place"
	}
	return name
}

// GoOnline marks a registered driver available, optionally with a first fix.
func (s *Service) GoOnline(ctx context.Context, driverID string, at *models.Coord) (*models.DriverProfile, error) {
	if at != nil && !geo.ValidCoord(*at) {
		return nil, apperr.Validation("invalid coordinates")
	}
	p, err := s.profile(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if err := s.presence.SetOnline(ctx, driverID); err != nil {
		return nil, apperr.Internal(err, "set driver online")
	}
	if at != nil {
		if err := s.presence.Heartbeat(ctx, driverID, at.Lat, at.Lng); err != nil {
			return nil, err
		}
		p.CurrentLocation = at
	}
	p.Online = true
	s.logger.Info("driver online", "driver_id", driverID)
	return p, nil
}

func (s *Service) GoOffline(ctx context.Context, driverID string) error {
	if err := s.presence.SetOffline(ctx, driverID); err != nil {
		return apperr.Internal(err, "set driver offline")
	}
	s.logger.Info("driver offline", "driver_id", driverID)
	return nil
}

// UpdateDriverLocation records a heartbeat and forwards it to the rider of
// the driver's accepted or ongoing ride.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) error {
	if err := s.presence.Heartbeat(ctx, driverID, lat, lng); err != nil {
		return err
	}
	ride, err := s.activeRide(ctx, storage.RideFilter{DriverID: driverID, Statuses: busyStatuses})
	if err != nil {
		s.logger.Warn("lookup active ride for location forward", "driver_id", driverID, "error", err)
		return nil
	}
	if ride == nil {
		return nil
	}
	s.pub.Publish(ctx, notify.RiderChannel(ride.RiderID), notify.EventDriverLocationUpdate, LocationUpdate{
		RideID:    ride.ID,
		DriverID:  driverID,
		Lat:       lat,
		Lng:       lng,
		Timestamp: s.now().UnixMilli(),
	})
	return nil
}

// PendingRide is an open request near a driver.
type PendingRide struct {
	models.Ride
	PickupDistance float64 `json:"pickup_distance_meters"`
}

// PendingRides lists open requests of the driver's tier whose pickup lies
// within radius of the driver's last known position, nearest first.
func (s *Service) PendingRides(ctx context.Context, driverID string, radius float64) ([]PendingRide, error) {
	p, err := s.profile(ctx, driverID)
	if err != nil {
		return nil, err
	}
	var here *models.Coord
	if loc, ok, err := s.presence.Location(ctx, driverID); err == nil && ok {
		here = &models.Coord{Lat: loc.Lat, Lng: loc.Lng}
	} else if p.CurrentLocation != nil {
		here = p.CurrentLocation
	}
	if here == nil {
		return nil, apperr.Validation("driver location unknown")
	}
	rides, err := s.store.ListRides(ctx, storage.RideFilter{Statuses: []models.RideStatus{models.StatusPending}, Limit: 200})
	if err != nil {
		return nil, apperr.Internal(err, "list pending rides")
	}
	out := make([]PendingRide, 0, len(rides))
	for _, r := range rides {
		if p.Vehicle.Tier != "" && r.Tier != p.Vehicle.Tier {
			continue
		}
		d := geo.Distance(*here, r.Pickup.Coord())
		if radius > 0 && d > radius {
			continue
		}
		out = append(out, PendingRide{Ride: r, PickupDistance: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PickupDistance < out[j].PickupDistance })
	return out, nil
}

// Earnings combines lifetime totals with the rolling window.
type Earnings struct {
	stats.Summary
	TotalEarnings int64   `json:"total_earnings"`
	TotalRides    int64   `json:"total_rides"`
	Rating        float64 `json:"rating"`
}

func (s *Service) Earnings(ctx context.Context, driverID string) (*Earnings, error) {
	p, err := s.profile(ctx, driverID)
	if err != nil {
		return nil, err
	}
	sum, err := s.stats.Summary(ctx, driverID)
	if err != nil {
		return nil, err
	}
	return &Earnings{Summary: sum, TotalEarnings: p.Earnings, TotalRides: p.TotalRides, Rating: p.Rating}, nil
}

func (s *Service) profile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	p, err := s.store.GetProfile(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("driver profile %s not found", driverID).With("driver_id", driverID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load driver profile")
	}
	return p, nil
}
