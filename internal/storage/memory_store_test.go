package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func newRide(id, rider string, created time.Time) *models.Ride {
	return &models.Ride{ID: id, RiderID: rider, Status: models.StatusPending, Tier: models.TierCity, CreatedAt: created, UpdatedAt: created}
}

func TestUpdateRideIfRejectsStaleStatus(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRide(ctx, newRide("r1", "u1", time.Now()))

	d := "d1"
	r, err := m.UpdateRideIf(ctx, "r1", models.StatusPending, RideUpdate{Status: models.StatusAccepted, DriverID: &d})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if r.Status != models.StatusAccepted || r.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", r)
	}
	d2 := "d2"
	if _, err := m.UpdateRideIf(ctx, "r1", models.StatusPending, RideUpdate{Status: models.StatusAccepted, DriverID: &d2}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	got, _ := m.GetRide(ctx, "r1")
	if got.DriverID != "d1" {
		t.Fatalf("driver overwritten: %s", got.DriverID)
	}
	if _, err := m.UpdateRideIf(ctx, "missing", models.StatusPending, RideUpdate{Status: models.StatusAccepted}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRideIfSingleWinnerUnderContention(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRide(ctx, newRide("r1", "u1", time.Now()))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := string(rune('a' + i))
			if _, err := m.UpdateRideIf(ctx, "r1", models.StatusPending, RideUpdate{Status: models.StatusAccepted, DriverID: &d}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestListRidesNewestFirstWithPaging(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		_ = m.CreateRide(ctx, newRide(id, "u1", base.Add(time.Duration(i)*time.Minute)))
	}
	_ = m.CreateRide(ctx, newRide("other", "u2", base))

	rides, _ := m.ListRides(ctx, RideFilter{RiderID: "u1", Limit: 2})
	if len(rides) != 2 || rides[0].ID != "r3" || rides[1].ID != "r2" {
		t.Fatalf("unexpected page %v", rides)
	}
	rides, _ = m.ListRides(ctx, RideFilter{RiderID: "u1", Limit: 2, Offset: 2})
	if len(rides) != 1 || rides[0].ID != "r1" {
		t.Fatalf("unexpected second page %v", rides)
	}
	n, _ := m.CountRides(ctx, RideFilter{RiderID: "u1", Statuses: models.ActiveStatuses})
	if n != 3 {
		t.Fatalf("expected 3 active rides, got %d", n)
	}
}

func TestFindProfilesFilters(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.UpsertProfile(ctx, &models.DriverProfile{DriverID: "a", Online: true, Vehicle: models.Vehicle{Tier: models.TierCity, BatteryLevel: 80}})
	_ = m.UpsertProfile(ctx, &models.DriverProfile{DriverID: "b", Online: true, Vehicle: models.Vehicle{Tier: models.TierCity, BatteryLevel: 20}})
	_ = m.UpsertProfile(ctx, &models.DriverProfile{DriverID: "c", Online: true, Vehicle: models.Vehicle{Tier: models.TierPlus, BatteryLevel: 90}})
	_ = m.UpsertProfile(ctx, &models.DriverProfile{DriverID: "d", Online: false, Vehicle: models.Vehicle{Tier: models.TierCity, BatteryLevel: 90}})

	got, _ := m.FindProfiles(ctx, ProfileFilter{DriverIDs: []string{"a", "b", "c", "d", "zz"}, OnlineOnly: true, MinBattery: 30, Tier: models.TierCity})
	if len(got) != 1 || got[0].DriverID != "a" {
		t.Fatalf("unexpected profiles %v", got)
	}
}

func TestProfileIncrementAndRecentLocations(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.UpsertProfile(ctx, &models.DriverProfile{DriverID: "a"})
	_ = m.IncrementProfileTotals(ctx, "a", 82, 1)
	_ = m.IncrementProfileTotals(ctx, "a", 40, 1)
	p, _ := m.GetProfile(ctx, "a")
	if p.Earnings != 122 || p.TotalRides != 2 {
		t.Fatalf("unexpected totals %+v", p)
	}
	if err := m.IncrementProfileTotals(ctx, "nobody", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	_ = m.TouchRecentLocation(ctx, &models.RecentLocation{ID: "l1", UserID: "u1", Address: "MG Road, Bengaluru", LastUsed: t1})
	_ = m.TouchRecentLocation(ctx, &models.RecentLocation{ID: "l2", UserID: "u1", Address: "Koramangala", LastUsed: t1.Add(time.Hour)})
	_ = m.TouchRecentLocation(ctx, &models.RecentLocation{ID: "l3", UserID: "u1", Address: "MG Road, Bengaluru", LastUsed: t1.Add(2 * time.Hour)})
	locs, _ := m.ListRecentLocations(ctx, "u1", 10)
	if len(locs) != 2 || locs[0].ID != "l1" {
		t.Fatalf("expected refreshed l1 first, got %v", locs)
	}
}
