// Package httpapi exposes the ride operations over HTTP and WebSocket.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rides"
)

// LocationPublisher hands driver pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

type Options struct {
	Rides  *rides.Service
	Auth   *auth.Manager
	Hub    *notify.Hub
	Logger *slog.Logger
	// Locations is optional; without it pings are applied in-process.
	Locations LocationPublisher
	// Ready reports backend health for /readyz. Optional.
	Ready func(ctx context.Context) error
}

type Server struct {
	rides     *rides.Service
	auth      *auth.Manager
	hub       *notify.Hub
	locations LocationPublisher
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	mux       *mux.Router
	upgrader  websocket.Upgrader
	now       func() time.Time
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:     o.Rides,
		auth:      o.Auth,
		hub:       o.Hub,
		locations: o.Locations,
		ready:     o.Ready,
		logger:    logger,
		mux:       mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)

	rider, driver := auth.RoleRider, auth.RoleDriver

	api.HandleFunc("/rides", only(s.handleCreateRide, rider)).Methods(http.MethodPost)
	api.HandleFunc("/rides/active", only(s.handleActiveRide, rider, driver)).Methods(http.MethodGet)
	api.HandleFunc("/rides/history", only(s.handleHistory, rider, driver)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", only(s.handleGetRide, rider, driver)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", only(s.handleRedispatch, rider)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", only(s.handleCancel, rider, driver)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/accept", only(s.handleAccept, driver)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", only(s.handleStart, driver)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", only(s.handleComplete, driver)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment", only(s.handleGetPayment, rider)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/payment/paid", only(s.handleMarkPaid, rider)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", only(s.handleRate, rider)).Methods(http.MethodPost)

	api.HandleFunc("/riders/me/locations", only(s.handleRecentLocations, rider)).Methods(http.MethodGet)

	api.HandleFunc("/drivers/nearby", only(s.handleNearby, rider, driver)).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/online", only(s.handleOnline, driver)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/me/offline", only(s.handleOffline, driver)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/me/location", only(s.handleDriverLocation, driver)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/me/pending", only(s.handlePending, driver)).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/earnings", only(s.handleEarnings, driver)).Methods(http.MethodGet)

	api.HandleFunc("/fares/quote", only(s.handleQuote, rider, driver)).Methods(http.MethodGet)
	api.HandleFunc("/fares/estimate", only(s.handleEstimate, rider, driver)).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// caller returns the authenticated user. Routes are wrapped by only, so claims exist.
func caller(r *http.Request) (models.Actor, string) {
	c, _ := auth.FromContext(r.Context())
	if c.Role == auth.RoleDriver {
		return models.ActorDriver, c.UserID()
	}
	return models.ActorRider, c.UserID()
}

func rideID(r *http.Request) string { return mux.Vars(r)["id"] }

type createRideRequest struct {
	Pickup      rides.Location `json:"pickup"`
	Destination rides.Location `json:"destination"`
	Tier        models.Tier    `json:"tier" validate:"required,tier"`
}

type createRideResponse struct {
	Ride            *models.Ride `json:"ride"`
	DriversNotified int          `json:"drivers_notified"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	_, riderID := caller(r)
	ride, err := s.rides.CreateRide(r.Context(), rides.CreateRideInput{
		RiderID:     riderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Tier:        req.Tier,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.rides.Dispatch(r.Context(), ride.ID)
	if err != nil {
		s.logger.Warn("dispatch after create failed", "ride_id", ride.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, createRideResponse{Ride: ride, DriversNotified: len(cands)})
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	_, riderID := caller(r)
	cands, err := s.rides.Redispatch(r.Context(), rideID(r), riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID(r), "drivers_notified": len(cands)})
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	actor, id := caller(r)
	ride, err := s.rides.ActiveRide(r.Context(), actor, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := queryInt(r, "page_size", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, id := caller(r)
	out, err := s.rides.History(r.Context(), actor, id, page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, id := caller(r)
	out, err := s.rides.GetRide(r.Context(), rideID(r), actor, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	actor, id := caller(r)
	ride, err := s.rides.CancelRide(r.Context(), rideID(r), actor, id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	_, driverID := caller(r)
	ride, err := s.rides.AttemptAccept(r.Context(), rideID(r), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	_, driverID := caller(r)
	ride, err := s.rides.StartRide(r.Context(), rideID(r), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	_, driverID := caller(r)
	ride, err := s.rides.CompleteRide(r.Context(), rideID(r), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	_, riderID := caller(r)
	p, err := s.rides.GetPayment(r.Context(), rideID(r), riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	_, riderID := caller(r)
	p, err := s.rides.MarkPaid(r.Context(), rideID(r), riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type rateRequest struct {
	Rating int `json:"rating" validate:"min=1,max=5"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	_, riderID := caller(r)
	p, err := s.rides.RateDriver(r.Context(), rideID(r), riderID, req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": p.DriverID, "rating": p.Rating})
}

func (s *Server) handleRecentLocations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, riderID := caller(r)
	locs, err := s.rides.RecentLocations(r.Context(), riderID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locs)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := requiredFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := requiredFloat(r, "lng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tier := models.Tier(r.URL.Query().Get("tier"))
	cands, err := s.rides.FindNearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius, tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands, "count": len(cands)})
}

type pointRequest struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

type onlineRequest struct {
	Location *pointRequest `json:"location"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var at *models.Coord
	if req.Location != nil {
		at = &models.Coord{Lat: req.Location.Lat, Lng: req.Location.Lng}
	}
	_, driverID := caller(r)
	p, err := s.rides.GoOnline(r.Context(), driverID, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	_, driverID := caller(r)
	if err := s.rides.GoOffline(r.Context(), driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverLocation queues the ping on the location stream when one is
// configured and applies it directly otherwise, or when the stream rejects it.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	_, driverID := caller(r)
	if s.locations != nil {
		ping := models.LocationPing{DriverID: driverID, Lat: req.Lat, Lng: req.Lng, Timestamp: s.now().UnixMilli()}
		err := s.locations.PublishLocation(r.Context(), ping)
		if err == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.logger.Warn("location stream publish failed, applying directly", "driver_id", driverID, "error", err)
	}
	if err := s.rides.UpdateDriverLocation(r.Context(), driverID, req.Lat, req.Lng); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	radius, err := queryFloat(r, "radius", 5000)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, driverID := caller(r)
	out, err := s.rides.PendingRides(r.Context(), driverID, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	_, driverID := caller(r)
	out, err := s.rides.Earnings(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	dist, err := queryInt(r, "distance_meters", -1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tier := models.Tier(r.URL.Query().Get("tier"))
	fare, err := s.rides.QuoteFare(int64(dist), tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "distance_meters": dist, "fare": fare})
}

type estimateRequest struct {
	Pickup      pointRequest `json:"pickup"`
	Destination pointRequest `json:"destination"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.rides.EstimateTrip(r.Context(),
		models.Coord{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng},
		models.Coord{Lat: req.Destination.Lat, Lng: req.Destination.Lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}
