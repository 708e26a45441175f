// Package stats keeps the per-driver rolling earnings window.
package stats

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// WindowDays is the number of calendar days kept, today included.
const WindowDays = 7

type Aggregator struct {
	store storage.StatsStore
	loc   *time.Location
	now   func() time.Time
}

// NewAggregator buckets by calendar date in loc. A nil loc means UTC.
func NewAggregator(store storage.StatsStore, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{store: store, loc: loc, now: time.Now}
}

func (a *Aggregator) day(t time.Time) time.Time {
	t = t.In(a.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.loc)
}

func (a *Aggregator) load(ctx context.Context, driverID string) (*models.DriverStats, error) {
	s, err := a.store.GetStats(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.DriverStats{DriverID: driverID, WeeklyEarnings: []models.DailyEarning{}}, nil
	}
	if err != nil {
		return nil, apperr.Internal(err, "load driver stats")
	}
	return s, nil
}

// RecordCompletion adds one finished trip to the bucket for the calendar day of at.
// It is not idempotent; the single completed transition per ride guards it.
func (a *Aggregator) RecordCompletion(ctx context.Context, driverID string, fare, tripMinutes int64, at time.Time) (*models.DriverStats, error) {
	s, err := a.load(ctx, driverID)
	if err != nil {
		return nil, err
	}
	today := a.day(at)

	idx := -1
	for i := range s.WeeklyEarnings {
		if a.day(s.WeeklyEarnings[i].Date).Equal(today) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.WeeklyEarnings = append(s.WeeklyEarnings, models.DailyEarning{Date: today})
		idx = len(s.WeeklyEarnings) - 1
	}
	s.WeeklyEarnings[idx].Amount += fare
	s.WeeklyEarnings[idx].Trips++

	if s.TodayDate.IsZero() || !a.day(s.TodayDate).Equal(today) {
		s.TodayDate = today
		s.TodayTrips = 0
		s.TodayOnlineMinutes = 0
	}
	s.TodayTrips++
	s.TodayOnlineMinutes += tripMinutes

	s.WeeklyEarnings = a.prune(s.WeeklyEarnings, today)
	s.UpdatedAt = at
	if err := a.store.SaveStats(ctx, s); err != nil {
		return nil, apperr.Internal(err, "save driver stats")
	}
	return s, nil
}

// prune drops buckets older than today-6 and orders the rest by date.
func (a *Aggregator) prune(buckets []models.DailyEarning, today time.Time) []models.DailyEarning {
	cutoff := today.AddDate(0, 0, -(WindowDays - 1))
	kept := buckets[:0]
	for _, b := range buckets {
		if !a.day(b.Date).Before(cutoff) {
			kept = append(kept, b)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Date.Before(kept[j].Date) })
	return kept
}

type Summary struct {
	DriverID           string                `json:"driver_id"`
	Days               []models.DailyEarning `json:"days"`
	WeekEarnings       int64                 `json:"week_earnings"`
	WeekTrips          int64                 `json:"week_trips"`
	TodayEarnings      int64                 `json:"today_earnings"`
	TodayTrips         int64                 `json:"today_trips"`
	TodayOnlineMinutes int64                 `json:"today_online_minutes"`
}

// Summary returns the trailing window as of now, oldest day first, with
// missing days filled with zeroes.
func (a *Aggregator) Summary(ctx context.Context, driverID string) (Summary, error) {
	s, err := a.load(ctx, driverID)
	if err != nil {
		return Summary{}, err
	}
	today := a.day(a.now())
	byDay := make(map[string]models.DailyEarning, len(s.WeeklyEarnings))
	for _, b := range s.WeeklyEarnings {
		byDay[a.day(b.Date).Format(time.DateOnly)] = b
	}

	out := Summary{DriverID: driverID, Days: make([]models.DailyEarning, 0, WindowDays)}
	for i := WindowDays - 1; i >= 0; i-- {
		d := today.AddDate(0, 0, -i)
		b := byDay[d.Format(time.DateOnly)]
		b.Date = d
		out.Days = append(out.Days, b)
		out.WeekEarnings += b.Amount
		out.WeekTrips += b.Trips
	}
	last := out.Days[len(out.Days)-1]
	out.TodayEarnings = last.Amount
	if !s.TodayDate.IsZero() && a.day(s.TodayDate).Equal(today) {
		out.TodayTrips = s.TodayTrips
		out.TodayOnlineMinutes = s.TodayOnlineMinutes
	}
	return out, nil
}
