package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrPreconditionFailed means a conditional update found a different current value.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
	ErrDuplicate          = errors.New("storage: duplicate key")
)

// RideUpdate describes the fields a ride transition writes. Zero values are left untouched,
// except DriverID which is applied whenever non-nil (an empty string clears it).
type RideUpdate struct {
	Status       models.RideStatus
	DriverID     *string
	StartedAt    *time.Time
	EndedAt      *time.Time
	CancelledBy  models.Actor
	CancelReason string
	UpdatedAt    time.Time
}

// RideFilter selects rides; empty fields match everything. Results are newest first.
type RideFilter struct {
	RiderID  string
	DriverID string
	Statuses []models.RideStatus
	Limit    int
	Offset   int
}

type ProfileFilter struct {
	DriverIDs  []string
	OnlineOnly bool
	MinBattery float64
	Tier       models.Tier // empty means any tier
}

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideIf applies upd only while the stored status equals expected and
	// returns the updated ride. A mismatch yields ErrPreconditionFailed.
	UpdateRideIf(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error)
	// FindRide returns the newest ride matching f or ErrNotFound.
	FindRide(ctx context.Context, f RideFilter) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
	CountRides(ctx context.Context, f RideFilter) (int64, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, driverID string) (*models.DriverProfile, error)
	UpsertProfile(ctx context.Context, p *models.DriverProfile) error
	FindProfiles(ctx context.Context, f ProfileFilter) ([]models.DriverProfile, error)
	SetProfileOnline(ctx context.Context, driverID string, online bool) error
	SetProfileLocation(ctx context.Context, driverID string, loc models.Coord) error
	// IncrementProfileTotals atomically adds to earnings and the ride count.
	IncrementProfileTotals(ctx context.Context, driverID string, earnings, rides int64) error
	SetProfileRating(ctx context.Context, driverID string, rating float64) error
}

type StatsStore interface {
	GetStats(ctx context.Context, driverID string) (*models.DriverStats, error)
	SaveStats(ctx context.Context, s *models.DriverStats) error
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByRide(ctx context.Context, rideID string) (*models.Payment, error)
	MarkPaymentPaid(ctx context.Context, rideID string, at time.Time) (*models.Payment, error)
}

type RecentLocationStore interface {
	// TouchRecentLocation inserts l or, when the user already has the address, refreshes LastUsed.
	TouchRecentLocation(ctx context.Context, l *models.RecentLocation) error
	ListRecentLocations(ctx context.Context, userID string, limit int) ([]models.RecentLocation, error)
}

// Store is the persistent collaborator of the ride core.
type Store interface {
	RideStore
	ProfileStore
	StatsStore
	PaymentStore
	RecentLocationStore
	Close() error
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
