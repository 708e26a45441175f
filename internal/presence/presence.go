// Package presence tracks which drivers are online and where they were last
// seen. Entries live in the ephemeral KV store and expire on their own when
// heartbeats stop; the durable driver profile mirrors them as a fallback.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	onlinePrefix   = "driver:online:"
	locationPrefix = "driver:location:"
)

type Config struct {
	OnlineTTL   time.Duration
	LocationTTL time.Duration
}

func DefaultConfig() Config {
	return Config{OnlineTTL: time.Hour, LocationTTL: 300 * time.Second}
}

type Registry struct {
	kv       kv.Store
	profiles storage.ProfileStore
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewRegistry(store kv.Store, profiles storage.ProfileStore, logger *slog.Logger, cfg Config) *Registry {
	if cfg.OnlineTTL <= 0 {
		cfg.OnlineTTL = DefaultConfig().OnlineTTL
	}
	if cfg.LocationTTL <= 0 {
		cfg.LocationTTL = DefaultConfig().LocationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{kv: store, profiles: profiles, logger: logger, cfg: cfg, now: time.Now}
}

func onlineKey(driverID string) string   { return onlinePrefix + driverID }
func locationKey(driverID string) string { return locationPrefix + driverID }

// SetOnline marks the driver online for OnlineTTL.
func (r *Registry) SetOnline(ctx context.Context, driverID string) error {
	if err := r.kv.Set(ctx, onlineKey(driverID), "1", r.cfg.OnlineTTL); err != nil {
		return fmt.Errorf("presence set online: %w", err)
	}
	r.mirrorOnline(ctx, driverID, true)
	return nil
}

// SetOffline removes both presence keys.
func (r *Registry) SetOffline(ctx context.Context, driverID string) error {
	if err := r.kv.Delete(ctx, onlineKey(driverID)); err != nil {
		return fmt.Errorf("presence set offline: %w", err)
	}
	if err := r.kv.Delete(ctx, locationKey(driverID)); err != nil {
		return fmt.Errorf("presence clear location: %w", err)
	}
	r.mirrorOnline(ctx, driverID, false)
	return nil
}

func (r *Registry) mirrorOnline(ctx context.Context, driverID string, online bool) {
	if err := r.profiles.SetProfileOnline(ctx, driverID, online); err != nil {
		r.logger.Warn("profile online mirror failed", "driver_id", driverID, "online", online, "error", err)
	}
}

// Heartbeat records the driver's location and refreshes its TTL. The profile
// location is updated too so the matcher has something to fall back on once
// the presence entry expires.
func (r *Registry) Heartbeat(ctx context.Context, driverID string, lat, lng float64) error {
	c := models.Coord{Lat: lat, Lng: lng}
	if !geo.ValidCoord(c) {
		return apperr.Validation("invalid coordinates %.6f,%.6f", lat, lng)
	}
	b, err := json.Marshal(models.Presence{Lat: lat, Lng: lng, Timestamp: r.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, locationKey(driverID), string(b), r.cfg.LocationTTL); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	observability.HeartbeatsTotal.Inc()
	if err := r.profiles.SetProfileLocation(ctx, driverID, c); err != nil {
		r.logger.Warn("profile location update failed", "driver_id", driverID, "error", err)
	}
	return nil
}

// Location returns the last heartbeat, reporting false when none is live.
func (r *Registry) Location(ctx context.Context, driverID string) (models.Presence, bool, error) {
	v, err := r.kv.Get(ctx, locationKey(driverID))
	if errors.Is(err, kv.ErrNotFound) {
		return models.Presence{}, false, nil
	}
	if err != nil {
		return models.Presence{}, false, err
	}
	var p models.Presence
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		r.logger.Warn("corrupt presence entry", "driver_id", driverID, "error", err)
		return models.Presence{}, false, nil
	}
	return p, true, nil
}

func (r *Registry) IsOnline(ctx context.Context, driverID string) (bool, error) {
	_, err := r.kv.Get(ctx, onlineKey(driverID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// OnlineIDs scans the online keys. Cost grows with the number of online drivers.
func (r *Registry) OnlineIDs(ctx context.Context) ([]string, error) {
	keys, err := r.kv.KeysWithPrefix(ctx, onlinePrefix)
	if err != nil {
		return nil, fmt.Errorf("presence scan: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, onlinePrefix))
	}
	observability.DriversOnline.Set(float64(len(ids)))
	return ids, nil
}
