package matcher

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Presence is the subset of the presence registry the matcher reads.
type Presence interface {
	OnlineIDs(ctx context.Context) ([]string, error)
	Location(ctx context.Context, driverID string) (models.Presence, bool, error)
}

type Config struct {
	RadiusMeters float64
	MinBattery   float64
	// Concurrency bounds parallel presence lookups.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{RadiusMeters: 5000, MinBattery: 30, Concurrency: 16}
}

type Matcher struct {
	presence Presence
	profiles storage.ProfileStore
	logger   *slog.Logger
	cfg      Config
}

func New(presence Presence, profiles storage.ProfileStore, logger *slog.Logger, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = def.RadiusMeters
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{presence: presence, profiles: profiles, logger: logger, cfg: cfg}
}

func (m *Matcher) DefaultRadius() float64 { return m.cfg.RadiusMeters }

// FindNearby returns online drivers with enough battery within radius of point,
// nearest first. A zero or non-finite radius means the configured default and
// an empty tier matches every tier.
func (m *Matcher) FindNearby(ctx context.Context, point models.Coord, radius float64, tier models.Tier) ([]models.Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if !(radius > 0) || math.IsInf(radius, 1) {
		radius = m.cfg.RadiusMeters
	}
	ids, err := m.presence.OnlineIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Candidate{}, nil
	}
	profiles, err := m.profiles.FindProfiles(ctx, storage.ProfileFilter{
		DriverIDs:  ids,
		MinBattery: m.cfg.MinBattery,
		Tier:       tier,
	})
	if err != nil {
		return nil, err
	}

	found := make([]*models.Candidate, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range profiles {
		i := i
		p := &profiles[i]
		g.Go(func() error {
			loc, ok, err := m.presence.Location(gctx, p.DriverID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.logger.Warn("presence lookup failed, using profile location", "driver_id", p.DriverID, "error", err)
				ok = false
			}
			var at models.Coord
			switch {
			case ok:
				at = models.Coord{Lat: loc.Lat, Lng: loc.Lng}
			case p.CurrentLocation != nil:
				at = *p.CurrentLocation
			default:
				return nil
			}
			d := geo.Distance(point, at)
			if d > radius {
				return nil
			}
			found[i] = &models.Candidate{
				DriverID: p.DriverID,
				Name:     p.Name,
				Rating:   p.Rating,
				Vehicle:  p.Vehicle,
				Location: at,
				Distance: d,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(found))
	for _, c := range found {
		if c != nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].Distance < out[j].Distance
	})
	return out, nil
}
