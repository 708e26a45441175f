package rides

import (
	"context"
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// riderRide loads a ride the rider owns. Rides of other riders look missing.
func (s *Service) riderRide(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	ride, err := s.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, apperr.NotFound("ride %s not found", rideID).With("ride_id", rideID)
	}
	return ride, nil
}

// Redispatch offers the rider's still-pending ride to the drivers nearby now.
func (s *Service) Redispatch(ctx context.Context, rideID, riderID string) ([]models.Candidate, error) {
	ride, err := s.riderRide(ctx, rideID, riderID)
	if err != nil {
		return nil, err
	}
	return s.coord.RequestDispatch(ctx, ride)
}

func (s *Service) GetPayment(ctx context.Context, rideID, riderID string) (*models.Payment, error) {
	if _, err := s.riderRide(ctx, rideID, riderID); err != nil {
		return nil, err
	}
	p, err := s.store.GetPaymentByRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("no payment for ride %s", rideID).With("ride_id", rideID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load payment")
	}
	return p, nil
}

// MarkPaid settles the cash payment of a completed ride. Paying twice is a no-op.
func (s *Service) MarkPaid(ctx context.Context, rideID, riderID string) (*models.Payment, error) {
	ride, err := s.riderRide(ctx, rideID, riderID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusCompleted {
		return nil, apperr.StateConflict("ride %s is %s, not completed", rideID, ride.Status).
			With("ride_id", rideID).
			With("status", string(ride.Status))
	}
	p, err := s.store.MarkPaymentPaid(ctx, rideID, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("no payment for ride %s", rideID).With("ride_id", rideID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "mark payment paid")
	}
	s.logger.Info("payment settled", "ride_id", rideID, "amount", p.Amount)
	return p, nil
}

// RecentLocations returns the rider's places, most recently used first.
func (s *Service) RecentLocations(ctx context.Context, riderID string, limit int) ([]models.RecentLocation, error) {
	if limit < 1 || limit > 50 {
		limit = 10
	}
	locs, err := s.store.ListRecentLocations(ctx, riderID, limit)
	if err != nil {
		return nil, apperr.Internal(err, "list recent locations")
	}
	if locs == nil {
		locs = []models.RecentLocation{}
	}
	return locs, nil
}

// RateDriver folds a 1..5 rating for a completed ride into the driver's
// running average, rounded to one decimal. The weight is the driver's number
// of completed rides.
func (s *Service) RateDriver(ctx context.Context, rideID, riderID string, rating int) (*models.DriverProfile, error) {
	if rating < 1 || rating > 5 {
		return nil, apperr.Validation("rating must be between 1 and 5").With("rating", rating)
	}
	ride, err := s.riderRide(ctx, rideID, riderID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusCompleted || ride.DriverID == "" {
		return nil, apperr.StateConflict("only completed rides can be rated").
			With("ride_id", rideID).
			With("status", string(ride.Status))
	}
	p, err := s.profile(ctx, ride.DriverID)
	if err != nil {
		return nil, err
	}
	n, err := s.store.CountRides(ctx, storage.RideFilter{DriverID: ride.DriverID, Statuses: []models.RideStatus{models.StatusCompleted}})
	if err != nil {
		return nil, apperr.Internal(err, "count completed rides")
	}
	p.Rating = runningAverage(p.Rating, n, float64(rating))
	if err := s.store.SetProfileRating(ctx, p.DriverID, p.Rating); err != nil {
		return nil, apperr.Internal(err, "save driver rating")
	}
	return p, nil
}

// runningAverage adds x as the n-th sample of an average currently at avg.
func runningAverage(avg float64, n int64, x float64) float64 {
	if n <= 1 || avg == 0 {
		return math.Round(x*10) / 10
	}
	v := (avg*float64(n-1) + x) / float64(n)
	return math.Round(v*10) / 10
}
