package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	mgRoad      = models.Coord{Lat: 12.9716, Lng: 77.5946}
	koramangala = models.Coord{Lat: 12.9352, Lng: 77.6245}
)

const osrmBody = `{"code":"Ok","routes":[{"distance":5200.4,"duration":899.6,
"geometry":{"type":"LineString","coordinates":[[77.5946,12.9716],[77.61,12.95],[77.6245,12.9352]]}}]}`

func TestOSRMClientParsesRoute(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.594600,12.971600;77.624500,12.935200") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(osrmBody))
	}))
	defer srv.Close()

	r, err := NewOSRMClient(srv.URL+"/", time.Second).Route(context.Background(), mgRoad, koramangala)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !strings.Contains(gotQuery, "geometries=geojson") || !strings.Contains(gotQuery, "overview=full") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if r.DistanceMeters != 5200 || r.DurationSeconds != 900 {
		t.Fatalf("unexpected route %+v", r)
	}
	if len(r.Geometry) != 3 || r.Geometry[0] != [2]float64{12.9716, 77.5946} {
		t.Fatalf("geometry not flipped to lat,lng: %v", r.Geometry)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL, time.Second).Route(context.Background(), mgRoad, koramangala); err == nil {
		t.Fatalf("expected error for NoRoute")
	}
}

func TestEstimate(t *testing.T) {
	r := Estimate(mgRoad, mgRoad)
	if r.DistanceMeters != 0 || r.DurationSeconds != 0 || !r.Estimated {
		t.Fatalf("unexpected zero-length estimate %+v", r)
	}
	r = Estimate(mgRoad, koramangala)
	if r.DistanceMeters < 6000 || r.DistanceMeters > 7500 {
		t.Fatalf("estimate out of expected band: %d", r.DistanceMeters)
	}
	// 25 km/h is ~6.94 m/s
	want := float64(r.DistanceMeters) / (25000.0 / 3600.0)
	if d := float64(r.DurationSeconds) - want; d > 1 || d < -1 {
		t.Fatalf("duration %d, want ~%.0f", r.DurationSeconds, want)
	}
	if len(r.Geometry) != 2 {
		t.Fatalf("expected two-point geometry, got %v", r.Geometry)
	}
}

type failingClient struct{ calls atomic.Int32 }

func (f *failingClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	f.calls.Add(1)
	return Route{}, errors.New("connection refused")
}

func TestServiceFallsBackAndOpensCircuit(t *testing.T) {
	fc := &failingClient{}
	s := NewService(fc, Config{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)
	for i := 0; i < 5; i++ {
		r := s.Route(context.Background(), mgRoad, koramangala)
		if !r.Estimated {
			t.Fatalf("expected estimated route on failure")
		}
	}
	if n := fc.calls.Load(); n != 2 {
		t.Fatalf("expected circuit to open after 2 calls, got %d", n)
	}
}

type slowClient struct{}

func (slowClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	<-ctx.Done()
	return Route{}, ctx.Err()
}

func TestServiceTimeout(t *testing.T) {
	s := NewService(slowClient{}, Config{Timeout: 20 * time.Millisecond}, nil)
	start := time.Now()
	r := s.Route(context.Background(), mgRoad, koramangala)
	if !r.Estimated {
		t.Fatalf("expected fallback after timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestServiceCachesRoutes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(osrmBody))
	}))
	defer srv.Close()

	s := NewService(NewOSRMClient(srv.URL, time.Second), Config{CacheTTL: time.Minute}, nil)
	for i := 0; i < 3; i++ {
		if r := s.Route(context.Background(), mgRoad, koramangala); r.DistanceMeters != 5200 {
			t.Fatalf("unexpected route %+v", r)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", hits.Load())
	}
}

func TestCacheSweepDropsExpiredEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		to := models.Coord{Lat: 12.90 + float64(i)*0.001, Lng: 77.60}
		c.Set(mgRoad, to, Route{DistanceMeters: int64(i)})
	}
	now = now.Add(30 * time.Second)
	c.Set(mgRoad, koramangala, Route{DistanceMeters: 5200})
	if c.Len() != 51 {
		t.Fatalf("expected 51 entries, got %d", c.Len())
	}

	now = now.Add(45 * time.Second)
	if n := c.Sweep(); n != 50 {
		t.Fatalf("expected 50 expired entries swept, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one live entry, got %d", c.Len())
	}
	if r, ok := c.Get(mgRoad, koramangala); !ok || r.DistanceMeters != 5200 {
		t.Fatalf("live entry lost: %+v %v", r, ok)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(time.Hour, 2)
	a := models.Coord{Lat: 12.90, Lng: 77.60}
	b := models.Coord{Lat: 12.91, Lng: 77.60}
	c.Set(mgRoad, a, Route{DistanceMeters: 1})
	c.Set(mgRoad, b, Route{DistanceMeters: 2})
	c.Get(mgRoad, a)
	c.Set(mgRoad, koramangala, Route{DistanceMeters: 3})

	if c.Len() != 2 {
		t.Fatalf("cache grew past capacity: %d", c.Len())
	}
	if _, ok := c.Get(mgRoad, b); ok {
		t.Fatalf("least recently used entry survived")
	}
	if _, ok := c.Get(mgRoad, a); !ok {
		t.Fatalf("recently read entry was evicted")
	}
}
