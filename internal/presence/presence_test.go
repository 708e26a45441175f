package presence

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.NewMemoryStore()
	_ = store.UpsertProfile(context.Background(), &models.DriverProfile{DriverID: "d1"})
	r := NewRegistry(kv.NewMemoryStore().WithClock(clock), store, nil, DefaultConfig())
	r.now = clock
	return r, store, &now
}

func TestOnlineOfflineMirrorsProfile(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.SetOnline(ctx, "d1"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	ids, _ := r.OnlineIDs(ctx)
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected [d1], got %v", ids)
	}
	p, _ := store.GetProfile(ctx, "d1")
	if !p.Online {
		t.Fatalf("profile not marked online")
	}

	_ = r.Heartbeat(ctx, "d1", 12.97, 77.59)
	if err := r.SetOffline(ctx, "d1"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	ids, _ = r.OnlineIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected no online drivers, got %v", ids)
	}
	if _, ok, _ := r.Location(ctx, "d1"); ok {
		t.Fatalf("location should be cleared on offline")
	}
	p, _ = store.GetProfile(ctx, "d1")
	if p.Online {
		t.Fatalf("profile still online")
	}
}

func TestHeartbeatUpdatesProfileAndExpires(t *testing.T) {
	r, store, now := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Heartbeat(ctx, "d1", 12.9716, 77.5946); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	loc, ok, err := r.Location(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("expected location, ok=%v err=%v", ok, err)
	}
	if loc.Lat != 12.9716 || loc.Timestamp != now.UnixMilli() {
		t.Fatalf("unexpected presence %+v", loc)
	}
	p, _ := store.GetProfile(ctx, "d1")
	if p.CurrentLocation == nil || p.CurrentLocation.Lng != 77.5946 {
		t.Fatalf("profile location not updated: %+v", p.CurrentLocation)
	}

	*now = now.Add(301 * time.Second)
	if _, ok, _ := r.Location(ctx, "d1"); ok {
		t.Fatalf("location should expire after TTL")
	}
}

func TestHeartbeatRejectsBadCoordinates(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "d1", 91, 0)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHeartbeatForUnknownProfileStillSucceeds(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.Heartbeat(context.Background(), "ghost", 1, 1); err != nil {
		t.Fatalf("heartbeat should not fail on missing profile: %v", err)
	}
}
