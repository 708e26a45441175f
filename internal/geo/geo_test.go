package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(12.9352, 77.6245, 12.9352, 77.6245)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := models.Coord{Lat: 12.9352, Lng: 77.6245}
	b := models.Coord{Lat: 12.9759, Lng: 77.6074}
	if Distance(a, b) != Distance(b, a) {
		t.Fatalf("distance not symmetric: %f vs %f", Distance(a, b), Distance(b, a))
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude on the mean sphere
	d := Haversine(0, 0, 1, 0)
	want := EarthRadiusMeters * math.Pi / 180
	if math.Abs(d-want) > 0.001 {
		t.Fatalf("expected %f, got %f", want, d)
	}
}

func TestValidCoord(t *testing.T) {
	cases := []struct {
		c  models.Coord
		ok bool
	}{
		{models.Coord{Lat: 12.9, Lng: 77.6}, true},
		{models.Coord{Lat: 91, Lng: 0}, false},
		{models.Coord{Lat: 0, Lng: -181}, false},
		{models.Coord{Lat: math.NaN(), Lng: 0}, false},
	}
	for _, tc := range cases {
		if got := ValidCoord(tc.c); got != tc.ok {
			t.Fatalf("ValidCoord(%+v) = %v, want %v", tc.c, got, tc.ok)
		}
	}
}
