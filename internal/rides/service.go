// Package rides is the operation surface of the dispatch core. HTTP handlers,
// the WebSocket endpoint and the location consumer all go through Service.
package rides

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/stats"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validation"
)

type Router interface {
	Route(ctx context.Context, from, to models.Coord) routing.Route
}

type Finder interface {
	FindNearby(ctx context.Context, point models.Coord, radius float64, tier models.Tier) ([]models.Candidate, error)
}

type Presence interface {
	SetOnline(ctx context.Context, driverID string) error
	SetOffline(ctx context.Context, driverID string) error
	Heartbeat(ctx context.Context, driverID string, lat, lng float64) error
	Location(ctx context.Context, driverID string) (models.Presence, bool, error)
	IsOnline(ctx context.Context, driverID string) (bool, error)
}

type Deps struct {
	Store       storage.Store
	Machine     *ridestate.Machine
	Coordinator *dispatch.Coordinator
	Finder      Finder
	Presence    Presence
	Fares       *fare.Engine
	Router      Router
	Stats       *stats.Aggregator
	Publisher   notify.Publisher
	// Locks serialises create and accept per user. Nil skips the claim.
	Locks       kv.Store
	Logger      *slog.Logger
}

type Service struct {
	store    storage.Store
	machine  *ridestate.Machine
	coord    *dispatch.Coordinator
	finder   Finder
	presence Presence
	fares    *fare.Engine
	router   Router
	stats    *stats.Aggregator
	pub      notify.Publisher
	locks    kv.Store
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    d.Store,
		machine:  d.Machine,
		coord:    d.Coordinator,
		finder:   d.Finder,
		presence: d.Presence,
		fares:    d.Fares,
		router:   d.Router,
		stats:    d.Stats,
		pub:      d.Publisher,
		locks:    d.Locks,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Location is a point supplied by a client.
type Location struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
	Address string  `json:"address" validate:"max=512"`
}

func (l Location) place() models.Place {
	return models.Place{Lat: l.Lat, Lng: l.Lng, Address: l.Address}
}

func (l Location) coord() models.Coord { return models.Coord{Lat: l.Lat, Lng: l.Lng} }

type CreateRideInput struct {
	RiderID     string      `json:"rider_id" validate:"required"`
	Pickup      Location    `json:"pickup"`
	Destination Location    `json:"destination"`
	Tier        models.Tier `json:"tier" validate:"required,tier"`
}

// CreateRide prices and stores a pending ride. A rider may have only one
// active ride at a time.
func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (*models.Ride, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	release, err := s.claim(ctx, riderClaimKey(in.RiderID))
	if err != nil {
		return nil, err
	}
	defer release()
	active, err := s.activeRide(ctx, storage.RideFilter{RiderID: in.RiderID, Statuses: models.ActiveStatuses})
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperr.Conflict("rider already has an active ride").
			With("ride_id", active.ID).
			With("status", string(active.Status))
	}

	route := s.router.Route(ctx, in.Pickup.coord(), in.Destination.coord())
	amount, err := s.fares.Quote(route.DistanceMeters, in.Tier)
	if err != nil {
		return nil, err
	}
	if !s.fares.WithinRange(route.DistanceMeters, in.Tier) {
		s.logger.Warn("trip exceeds tier range", "rider_id", in.RiderID, "tier", in.Tier, "distance_meters", route.DistanceMeters)
	}
	ride, err := s.machine.Create(ctx, ridestate.NewRide{
		RiderID:     in.RiderID,
		Pickup:      in.Pickup.place(),
		Destination: in.Destination.place(),
		Tier:        in.Tier,
		Fare:        amount,
		Distance:    route.DistanceMeters,
		Duration:    route.DurationSeconds,
		Geometry:    route.Geometry,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride created", "ride_id", ride.ID, "rider_id", ride.RiderID, "fare", ride.Fare, "distance_meters", ride.Distance, "estimated_route", route.Estimated)
	return ride, nil
}

// Dispatch offers a pending ride to nearby drivers.
func (s *Service) Dispatch(ctx context.Context, rideID string) ([]models.Candidate, error) {
	ride, err := s.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.coord.RequestDispatch(ctx, ride)
}

func (s *Service) FindNearby(ctx context.Context, point models.Coord, radius float64, tier models.Tier) ([]models.Candidate, error) {
	if !geo.ValidCoord(point) {
		return nil, apperr.Validation("invalid coordinates")
	}
	if tier != "" && !tier.Valid() {
		return nil, apperr.Validation("unknown tier %q", tier)
	}
	if radius < 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, apperr.Validation("radius must be a non-negative number")
	}
	cands, err := s.finder.FindNearby(ctx, point, radius, tier)
	if err != nil {
		return nil, apperr.Internal(err, "find nearby drivers")
	}
	return cands, nil
}

func (s *Service) QuoteFare(distanceMeters int64, tier models.Tier) (int64, error) {
	return s.fares.Quote(distanceMeters, tier)
}

// Estimate is a priced route between two points for every tier.
type Estimate struct {
	DistanceMeters  int64                 `json:"distance_meters"`
	DurationSeconds int64                 `json:"duration_seconds"`
	Geometry        [][2]float64          `json:"geometry"`
	Estimated       bool                  `json:"estimated"`
	Fares           map[models.Tier]int64 `json:"fares"`
	InRange         map[models.Tier]bool  `json:"in_range"`
}

func (s *Service) EstimateTrip(ctx context.Context, pickup, destination models.Coord) (*Estimate, error) {
	if !geo.ValidCoord(pickup) || !geo.ValidCoord(destination) {
		return nil, apperr.Validation("invalid coordinates")
	}
	route := s.router.Route(ctx, pickup, destination)
	est := &Estimate{
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		Geometry:        route.Geometry,
		Estimated:       route.Estimated,
		Fares:           s.fares.QuoteAll(route.DistanceMeters),
		InRange:         make(map[models.Tier]bool, len(models.Tiers)),
	}
	for _, t := range models.Tiers {
		est.InRange[t] = s.fares.WithinRange(route.DistanceMeters, t)
	}
	return est, nil
}

// CancelRide cancels a pending or accepted ride on behalf of its rider or
// assigned driver and tells the other party.
func (s *Service) CancelRide(ctx context.Context, rideID string, actor models.Actor, actorID, reason string) (*models.Ride, error) {
	ride, prevDriver, err := s.machine.Cancel(ctx, rideID, actor, actorID, reason)
	if err != nil {
		return nil, err
	}
	payload := Cancelled{RideID: ride.ID, CancelledBy: actor, Reason: reason}
	switch actor {
	case models.ActorRider:
		if prevDriver != "" {
			s.pub.Publish(ctx, notify.DriverChannel(prevDriver), notify.EventRideCancelled, payload)
		}
	case models.ActorDriver:
		s.pub.Publish(ctx, notify.RiderChannel(ride.RiderID), notify.EventRideCancelled, payload)
	}
	s.logger.Info("ride cancelled", "ride_id", ride.ID, "by", actor, "driver_id", prevDriver)
	return ride, nil
}

// RideDetails joins a ride with its driver's public profile.
type RideDetails struct {
	*models.Ride
	Driver *DriverCard `json:"driver,omitempty"`
}

type DriverCard struct {
	DriverID string         `json:"driver_id"`
	Name     string         `json:"name"`
	Rating   float64        `json:"rating"`
	Vehicle  models.Vehicle `json:"vehicle"`
	Location *models.Coord  `json:"location,omitempty"`
}

// GetRide returns the ride to its rider, its assigned driver, or any driver
// while it is still pending.
func (s *Service) GetRide(ctx context.Context, rideID string, actor models.Actor, actorID string) (*RideDetails, error) {
	ride, err := s.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	visible := (actor == models.ActorRider && ride.RiderID == actorID) ||
		(actor == models.ActorDriver && (ride.DriverID == actorID || ride.Status == models.StatusPending))
	if !visible {
		return nil, apperr.NotFound("ride %s not found", rideID).With("ride_id", rideID)
	}
	out := &RideDetails{Ride: ride}
	if ride.DriverID == "" {
		return out, nil
	}
	p, err := s.store.GetProfile(ctx, ride.DriverID)
	if err != nil {
		s.logger.Warn("driver profile for ride details", "ride_id", ride.ID, "driver_id", ride.DriverID, "error", err)
		return out, nil
	}
	card := &DriverCard{DriverID: p.DriverID, Name: p.Name, Rating: p.Rating, Vehicle: p.Vehicle, Location: p.CurrentLocation}
	if loc, ok, err := s.presence.Location(ctx, p.DriverID); err == nil && ok {
		card.Location = &models.Coord{Lat: loc.Lat, Lng: loc.Lng}
	}
	out.Driver = card
	return out, nil
}

// ActiveRide returns the caller's pending, accepted or ongoing ride.
func (s *Service) ActiveRide(ctx context.Context, actor models.Actor, userID string) (*models.Ride, error) {
	f := storage.RideFilter{Statuses: models.ActiveStatuses}
	if actor == models.ActorDriver {
		f.DriverID = userID
	} else {
		f.RiderID = userID
	}
	r, err := s.activeRide(ctx, f)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.NotFound("no active ride")
	}
	return r, nil
}

type HistoryPage struct {
	Rides    []models.Ride `json:"rides"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// History lists the caller's rides newest first. Pages start at 1.
func (s *Service) History(ctx context.Context, actor models.Actor, userID string, page, pageSize int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	f := storage.RideFilter{Limit: pageSize, Offset: (page - 1) * pageSize}
	if actor == models.ActorDriver {
		f.DriverID = userID
	} else {
		f.RiderID = userID
	}
	rides, err := s.store.ListRides(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "list rides")
	}
	total, err := s.store.CountRides(ctx, storage.RideFilter{RiderID: f.RiderID, DriverID: f.DriverID})
	if err != nil {
		return nil, apperr.Internal(err, "count rides")
	}
	return &HistoryPage{Rides: rides, Total: total, Page: page, PageSize: pageSize}, nil
}

// activeRide returns nil without error when nothing matches.
func (s *Service) activeRide(ctx context.Context, f storage.RideFilter) (*models.Ride, error) {
	r, err := s.store.FindRide(ctx, f)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err, "find active ride")
	}
	return r, nil
}

// bookkeepingFailed records a swallowed post-completion failure.
func (s *Service) bookkeepingFailed(step, rideID string, err error) {
	observability.BookkeepingErrors.WithLabelValues(step).Inc()
	s.logger.Error("completion bookkeeping failed", "step", step, "ride_id", rideID, "error", err)
}

// claimTTL bounds how long a crashed request can block its user.
const claimTTL = 10 * time.Second

func riderClaimKey(id string) string  { return "rider:claim:" + id }
func driverClaimKey(id string) string { return "driver:claim:" + id }

// claim holds key for the length of one check-then-write so two requests from
// the same user cannot both pass the check.
func (s *Service) claim(ctx context.Context, key string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	ok, err := s.locks.SetIfAbsent(ctx, key, s.newID(), claimTTL)
	if err != nil {
		return nil, apperr.Internal(err, "claim request")
	}
	if !ok {
		return nil, apperr.Conflict("another request for this user is in progress")
	}
	return func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.locks.Delete(dctx, key); err != nil {
			s.logger.Warn("release claim failed", "key", key, "error", err)
		}
	}, nil
}
