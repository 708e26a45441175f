package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/stats"
	"github.com/example/ride-dispatch/internal/storage"
)

type fixedRouter struct{}

func (fixedRouter) Route(ctx context.Context, from, to models.Coord) routing.Route {
	return routing.Route{DistanceMeters: 5200, DurationSeconds: 900}
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, channel string, event notify.Event, payload any) {}

type pingRecorder struct {
	mu    sync.Mutex
	pings []models.LocationPing
}

func (p *pingRecorder) PublishLocation(ctx context.Context, ping models.LocationPing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, ping)
	return nil
}

type testEnv struct {
	srv      *Server
	store    *storage.MemoryStore
	presence *presence.Registry
	auth     *auth.Manager
	hub      *notify.Hub
}

func newTestEnv(t *testing.T, locations LocationPublisher) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	reg := presence.NewRegistry(kv.NewMemoryStore(), store, logger, presence.DefaultConfig())
	m := matcher.New(reg, store, logger, matcher.DefaultConfig())
	machine := ridestate.New(store)
	pub := nopPublisher{}
	locks := kv.NewMemoryStore()
	coord := dispatch.NewCoordinator(m, locks, machine, store, pub, logger, dispatch.DefaultLockTTL)
	svc := rides.New(rides.Deps{
		Store:       store,
		Machine:     machine,
		Coordinator: coord,
		Finder:      m,
		Presence:    reg,
		Fares:       fare.NewEngine(false),
		Router:      fixedRouter{},
		Stats:       stats.NewAggregator(store, time.UTC),
		Publisher:   pub,
		Locks:       locks,
		Logger:      logger,
	})
	am, err := auth.NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hub := notify.NewHub(logger)
	opts := Options{Rides: svc, Auth: am, Hub: hub, Logger: logger}
	if locations != nil {
		opts.Locations = locations
	}
	return &testEnv{srv: NewServer(opts), store: store, presence: reg, auth: am, hub: hub}
}

func (e *testEnv) token(t *testing.T, id string, role auth.Role) string {
	t.Helper()
	tok, err := e.auth.Issue(id, role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) onlineDriver(t *testing.T, id string, tier models.Tier) string {
	t.Helper()
	err := e.store.UpsertProfile(context.Background(), &models.DriverProfile{
		DriverID: id,
		Name:     "Driver " + id,
		Vehicle:  models.Vehicle{Tier: tier, BatteryLevel: 75},
	})
	if err != nil {
		t.Fatal(err)
	}
	tok := e.token(t, id, auth.RoleDriver)
	rec := e.do(t, http.MethodPost, "/api/v1/drivers/me/online", tok, map[string]any{
		"location": map[string]float64{"lat": 12.9720, "lng": 77.5950},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("online %s: %d %s", id, rec.Code, rec.Body)
	}
	return tok
}

var rideBody = map[string]any{
	"pickup":      map[string]any{"lat": 12.9716, "lng": 77.5946, "address": "MG Road, Bengaluru"},
	"destination": map[string]any{"lat": 12.9352, "lng": 77.6245, "address": "Koramangala, Bengaluru"},
	"tier":        "city",
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateAcceptOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	d1 := env.onlineDriver(t, "d1", models.TierCity)
	d2 := env.onlineDriver(t, "d2", models.TierCity)
	rider := env.token(t, "r1", auth.RoleRider)

	rec := env.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	created := decode[createRideResponse](t, rec)
	if created.Ride.Fare != 82 || created.DriversNotified != 2 {
		t.Fatalf("unexpected create response %+v", created)
	}

	path := "/api/v1/rides/" + created.Ride.ID + "/accept"
	if rec := env.do(t, http.MethodPost, path, d1, nil); rec.Code != http.StatusOK {
		t.Fatalf("first accept: %d %s", rec.Code, rec.Body)
	}
	rec = env.do(t, http.MethodPost, path, d2, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept: want 409, got %d %s", rec.Code, rec.Body)
	}
	if body := decode[errorBody](t, rec); body.Kind != "conflict" || body.Details["ride_id"] != created.Ride.ID {
		t.Fatalf("unexpected conflict body %+v", body)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/rides/"+created.Ride.ID, rider, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ride: %d %s", rec.Code, rec.Body)
	}
	if details := decode[map[string]any](t, rec); details["status"] != "accepted" || details["driver"] == nil {
		t.Fatalf("unexpected ride details %v", details)
	}
}

func TestAuthErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPost, "/api/v1/rides", "", rideBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides", "not-a-jwt", rideBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", rec.Code)
	}
	driver := env.token(t, "d1", auth.RoleDriver)
	if rec := env.do(t, http.MethodPost, "/api/v1/rides", driver, rideBody); rec.Code != http.StatusForbidden {
		t.Fatalf("driver creating ride: got %d", rec.Code)
	}
}

func TestValidationAndNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rider := env.token(t, "r1", auth.RoleRider)

	bad := map[string]any{
		"pickup":      map[string]any{"lat": 123.0, "lng": 77.59},
		"destination": map[string]any{"lat": 12.93, "lng": 77.62},
		"tier":        "city",
	}
	rec := env.do(t, http.MethodPost, "/api/v1/rides", rider, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad latitude: got %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "pickup.lat") {
		t.Fatalf("field path missing from %s", rec.Body)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/rides/nope", rider, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown ride: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/fares/quote?distance_meters=10000&tier=lite", rider, nil); rec.Code != http.StatusOK ||
		decode[map[string]any](t, rec)["fare"] != float64(100) {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/fares/quote?distance_meters=abc&tier=lite", rider, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad distance: got %d", rec.Code)
	}
}

func TestDriverLocationGoesToStream(t *testing.T) {
	pings := &pingRecorder{}
	env := newTestEnv(t, pings)
	tok := env.onlineDriver(t, "d1", models.TierCity)

	rec := env.do(t, http.MethodPost, "/api/v1/drivers/me/location", tok, map[string]float64{"lat": 12.98, "lng": 77.60})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("location: %d %s", rec.Code, rec.Body)
	}
	if len(pings.pings) != 1 || pings.pings[0].DriverID != "d1" || pings.pings[0].Lat != 12.98 {
		t.Fatalf("unexpected pings %+v", pings.pings)
	}
}

func TestDriverLocationAppliedWithoutStream(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.onlineDriver(t, "d1", models.TierCity)

	rec := env.do(t, http.MethodPost, "/api/v1/drivers/me/location", tok, map[string]float64{"lat": 12.98, "lng": 77.60})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("location: %d %s", rec.Code, rec.Body)
	}
	loc, ok, err := env.presence.Location(context.Background(), "d1")
	if err != nil || !ok || loc.Lat != 12.98 {
		t.Fatalf("presence not updated: %+v %v %v", loc, ok, err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("healthz: %d, request id %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}
}

func TestWebSocketLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.onlineDriver(t, "d1", models.TierCity)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, func() bool { return env.hub.Connected(notify.DriverChannel("d1")) })

	if err := conn.WriteJSON(inbound{Type: "update_location", Lat: 12.99, Lng: 77.61}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(inbound{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	var reply outbound
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil || reply.Type != "pong" {
		t.Fatalf("ping reply: %+v %v", reply, err)
	}
	loc, ok, _ := env.presence.Location(context.Background(), "d1")
	if !ok || loc.Lat != 12.99 {
		t.Fatalf("ws location not applied: %+v", loc)
	}

	_ = conn.Close()
	waitFor(t, func() bool {
		online, err := env.presence.IsOnline(context.Background(), "d1")
		return err == nil && !online
	})
	if env.hub.Connected(notify.DriverChannel("d1")) {
		t.Fatalf("session still registered after disconnect")
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatalf("handshake without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within 2s")
}

func TestNearbyQueryValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.onlineDriver(t, "d1", models.TierCity)
	rider := env.token(t, "r1", auth.RoleRider)

	for _, q := range []string{
		"lng=77.5946",
		"lat=12.9716",
		"lat=12.9716&lng=77.5946&radius=NaN",
		"lat=12.9716&lng=77.5946&radius=Inf",
		"lat=NaN&lng=77.5946",
	} {
		rec := env.do(t, http.MethodGet, "/api/v1/drivers/nearby?"+q, rider, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: want 400, got %d %s", q, rec.Code, rec.Body)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=12.9716&lng=77.5946&radius=2000", rider, nil)
	if rec.Code != http.StatusOK || decode[map[string]any](t, rec)["count"] != float64(1) {
		t.Fatalf("nearby: %d %s", rec.Code, rec.Body)
	}
}

func TestRedispatchOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	rider := env.token(t, "r1", auth.RoleRider)

	rec := env.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody)
	created := decode[createRideResponse](t, rec)
	if created.DriversNotified != 0 {
		t.Fatalf("no drivers should be online yet: %+v", created)
	}

	d1 := env.onlineDriver(t, "d1", models.TierCity)
	path := "/api/v1/rides/" + created.Ride.ID + "/dispatch"
	if rec := env.do(t, http.MethodPost, path, d1, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("driver redispatch: want 403, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, path, rider, nil)
	if rec.Code != http.StatusOK || decode[map[string]any](t, rec)["drivers_notified"] != float64(1) {
		t.Fatalf("redispatch: %d %s", rec.Code, rec.Body)
	}
}
