package rides

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TripUpdate is the trip_update payload.
type TripUpdate struct {
	RideID    string            `json:"ride_id"`
	Status    models.RideStatus `json:"status"`
	DriverID  string            `json:"driver_id,omitempty"`
	Fare      int64             `json:"fare,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// Cancelled is the ride_cancelled payload sent to the other party.
type Cancelled struct {
	RideID      string       `json:"ride_id"`
	CancelledBy models.Actor `json:"cancelled_by"`
	Reason      string       `json:"reason,omitempty"`
}

// LocationUpdate is forwarded to the rider of the driver's active ride.
type LocationUpdate struct {
	RideID    string  `json:"ride_id"`
	DriverID  string  `json:"driver_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// StatsUpdated is sent to the driver after each completed trip.
type StatsUpdated struct {
	RideID             string `json:"ride_id"`
	Fare               int64  `json:"fare"`
	TotalEarnings      int64  `json:"total_earnings"`
	TotalRides         int64  `json:"total_rides"`
	TodayEarnings      int64  `json:"today_earnings"`
	TodayTrips         int64  `json:"today_trips"`
	TodayOnlineMinutes int64  `json:"today_online_minutes"`
}
