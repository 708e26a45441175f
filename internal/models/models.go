package models

import "time"

type Tier string

const (
	TierLite Tier = "lite"
	TierCity Tier = "city"
	TierPlus Tier = "plus"
)

// Tiers lists every tier in pricing order.
var Tiers = []Tier{TierLite, TierCity, TierPlus}

func (t Tier) Valid() bool {
	switch t {
	case TierLite, TierCity, TierPlus:
		return true
	}
	return false
}

type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusAccepted  RideStatus = "accepted"
	StatusOngoing   RideStatus = "ongoing"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// ActiveStatuses are the statuses in which a rider or driver is considered busy.
var ActiveStatuses = []RideStatus{StatusPending, StatusAccepted, StatusOngoing}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

type Place struct {
	Lat     float64 `json:"lat" bson:"lat"`
	Lng     float64 `json:"lng" bson:"lng"`
	Address string  `json:"address" bson:"address"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type Ride struct {
	ID           string       `json:"id" bson:"_id"`
	RiderID      string       `json:"rider_id" bson:"rider_id"`
	DriverID     string       `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	Pickup       Place        `json:"pickup" bson:"pickup"`
	Destination  Place        `json:"destination" bson:"destination"`
	Status       RideStatus   `json:"status" bson:"status"`
	Fare         int64        `json:"fare" bson:"fare"`
	Distance     int64        `json:"distance_meters" bson:"distance"`
	Duration     int64        `json:"duration_seconds" bson:"duration"`
	Tier         Tier         `json:"tier" bson:"tier"`
	Geometry     [][2]float64 `json:"geometry,omitempty" bson:"geometry,omitempty"`
	CancelledBy  Actor        `json:"cancelled_by,omitempty" bson:"cancelled_by,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty" bson:"cancel_reason,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty" bson:"started_at,omitempty"`
	EndedAt      *time.Time   `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" bson:"updated_at"`
}

// TripMinutes is the actual trip time rounded up, or the estimated duration
// when the ride has no start/end timestamps.
func (r *Ride) TripMinutes() int64 {
	if r.StartedAt != nil && r.EndedAt != nil {
		d := r.EndedAt.Sub(*r.StartedAt)
		return int64((d + time.Minute - 1) / time.Minute)
	}
	return (r.Duration + 59) / 60
}

type Vehicle struct {
	Tier         Tier    `json:"tier" bson:"tier"`
	Brand        string  `json:"brand" bson:"brand"`
	Model        string  `json:"model" bson:"model"`
	Plate        string  `json:"plate" bson:"plate"`
	Color        string  `json:"color" bson:"color"`
	BatteryLevel float64 `json:"battery_level" bson:"battery_level"` // percent 0..100
	RangeKm      float64 `json:"range_km" bson:"range_km"`
}

type DriverProfile struct {
	DriverID        string    `json:"driver_id" bson:"_id"`
	Name            string    `json:"name" bson:"name"`
	Vehicle         Vehicle   `json:"vehicle" bson:"vehicle"`
	Online          bool      `json:"online" bson:"online"`
	Earnings        int64     `json:"earnings" bson:"earnings"`
	TotalRides      int64     `json:"total_rides" bson:"total_rides"`
	Rating          float64   `json:"rating" bson:"rating"`
	CurrentLocation *Coord    `json:"current_location,omitempty" bson:"current_location,omitempty"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// Presence is the ephemeral location record kept for an online driver.
type Presence struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

type DailyEarning struct {
	Date   time.Time `json:"date" bson:"date"`
	Amount int64     `json:"amount" bson:"amount"`
	Trips  int64     `json:"trips" bson:"trips"`
}

type DriverStats struct {
	DriverID           string         `json:"driver_id" bson:"_id"`
	WeeklyEarnings     []DailyEarning `json:"weekly_earnings" bson:"weekly_earnings"`
	TodayDate          time.Time      `json:"today_date" bson:"today_date"`
	TodayTrips         int64          `json:"today_trips" bson:"today_trips"`
	TodayOnlineMinutes int64          `json:"today_online_minutes" bson:"today_online_minutes"`
	UpdatedAt          time.Time      `json:"updated_at" bson:"updated_at"`
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type Payment struct {
	ID        string        `json:"id" bson:"_id"`
	RideID    string        `json:"ride_id" bson:"ride_id"`
	Amount    int64         `json:"amount" bson:"amount"`
	Status    PaymentStatus `json:"status" bson:"status"`
	Method    string        `json:"method" bson:"method"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

type RecentLocation struct {
	ID       string    `json:"id" bson:"_id"`
	UserID   string    `json:"user_id" bson:"user_id"`
	Name     string    `json:"name" bson:"name"`
	Address  string    `json:"address" bson:"address"`
	Lat      float64   `json:"lat" bson:"lat"`
	Lng      float64   `json:"lng" bson:"lng"`
	Kind     string    `json:"kind" bson:"kind"` // home, work, other, visited
	LastUsed time.Time `json:"last_used" bson:"last_used"`
}

// Candidate is a driver eligible for a ride request, ranked by distance.
type Candidate struct {
	DriverID string  `json:"driver_id"`
	Name     string  `json:"name,omitempty"`
	Rating   float64 `json:"rating"`
	Vehicle  Vehicle `json:"vehicle"`
	Location Coord   `json:"location"`
	Distance float64 `json:"distance_meters"`
}

// LocationPing is a driver heartbeat carried on the location stream.
type LocationPing struct {
	DriverID  string  `json:"driver_id" validate:"required"`
	Lat       float64 `json:"lat" validate:"latitude"`
	Lng       float64 `json:"lng" validate:"longitude"`
	Timestamp int64   `json:"timestamp"` // unix millis
}
