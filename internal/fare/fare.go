// Package fare prices rides by tier and distance.
package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate is one row of the pricing table. Amounts are whole currency units.
type Rate struct {
	Base    float64 `json:"base"`
	PerKm   float64 `json:"per_km"`
	Minimum float64 `json:"minimum"`
	MaxKm   float64 `json:"max_km"`
}

var DefaultTable = map[models.Tier]Rate{
	models.TierLite: {Base: 20, PerKm: 8, Minimum: 40, MaxKm: 15},
	models.TierCity: {Base: 30, PerKm: 10, Minimum: 55, MaxKm: 15},
	models.TierPlus: {Base: 40, PerKm: 12, Minimum: 70, MaxKm: 15},
}

type Engine struct {
	table        map[models.Tier]Rate
	enforceRange bool
}

// NewEngine uses DefaultTable. With enforceRange set, Quote rejects trips
// longer than the tier's MaxKm instead of pricing them.
func NewEngine(enforceRange bool) *Engine {
	return &Engine{table: DefaultTable, enforceRange: enforceRange}
}

func (e *Engine) rate(tier models.Tier) (Rate, error) {
	r, ok := e.table[tier]
	if !ok {
		return Rate{}, apperr.Validation("unknown tier %q", tier)
	}
	return r, nil
}

// Quote returns max(base + perKm*km, minimum) rounded to the nearest unit.
func (e *Engine) Quote(distanceMeters int64, tier models.Tier) (int64, error) {
	if distanceMeters < 0 {
		return 0, apperr.Validation("distance must not be negative")
	}
	r, err := e.rate(tier)
	if err != nil {
		return 0, err
	}
	if e.enforceRange && !withinRange(r, distanceMeters) {
		return 0, apperr.Validation("trip of %.1f km exceeds %s range of %.0f km", float64(distanceMeters)/1000, tier, r.MaxKm).
			With("max_km", r.MaxKm)
	}
	km := float64(distanceMeters) / 1000
	return int64(math.Round(math.Max(r.Base+r.PerKm*km, r.Minimum))), nil
}

// QuoteAll prices the distance for every tier, ignoring range enforcement.
func (e *Engine) QuoteAll(distanceMeters int64) map[models.Tier]int64 {
	out := make(map[models.Tier]int64, len(models.Tiers))
	plain := &Engine{table: e.table}
	for _, t := range models.Tiers {
		if v, err := plain.Quote(distanceMeters, t); err == nil {
			out[t] = v
		}
	}
	return out
}

func (e *Engine) WithinRange(distanceMeters int64, tier models.Tier) bool {
	r, err := e.rate(tier)
	if err != nil {
		return false
	}
	return withinRange(r, distanceMeters)
}

func (e *Engine) Rate(tier models.Tier) (Rate, bool) {
	r, ok := e.table[tier]
	return r, ok
}

func withinRange(r Rate, distanceMeters int64) bool {
	return float64(distanceMeters) <= r.MaxKm*1000
}
