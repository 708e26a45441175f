package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. It honours the same conditional
// update contract as the database backends, which the state machine relies on.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	profiles map[string]*models.DriverProfile
	stats    map[string]*models.DriverStats
	payments map[string]*models.Payment // by ride id
	recent   map[string][]*models.RecentLocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		profiles: make(map[string]*models.DriverProfile),
		stats:    make(map[string]*models.DriverStats),
		payments: make(map[string]*models.Payment),
		recent:   make(map[string][]*models.RecentLocation),
	}
}

func (m *MemoryStore) Close() error { return nil }

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	if r.Geometry != nil {
		cp.Geometry = append([][2]float64(nil), r.Geometry...)
	}
	return &cp
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateRideIf(_ context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != expected {
		return nil, ErrPreconditionFailed
	}
	if upd.Status != "" {
		r.Status = upd.Status
	}
	if upd.DriverID != nil {
		r.DriverID = *upd.DriverID
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		r.StartedAt = &t
	}
	if upd.EndedAt != nil {
		t := *upd.EndedAt
		r.EndedAt = &t
	}
	if upd.CancelledBy != "" {
		r.CancelledBy = upd.CancelledBy
		r.CancelReason = upd.CancelReason
	}
	if !upd.UpdatedAt.IsZero() {
		r.UpdatedAt = upd.UpdatedAt
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) matchingRides(f RideFilter) []*models.Ride {
	var out []*models.Ride
	for _, r := range m.rides {
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if !statusIn(r.Status, f.Statuses) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) FindRide(_ context.Context, f RideFilter) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.matchingRides(f)
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	return cloneRide(rs[0]), nil
}

func (m *MemoryStore) ListRides(_ context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.matchingRides(f)
	if f.Offset >= len(rs) {
		return []models.Ride{}, nil
	}
	rs = rs[f.Offset:]
	if f.Limit > 0 && f.Limit < len(rs) {
		rs = rs[:f.Limit]
	}
	out := make([]models.Ride, 0, len(rs))
	for _, r := range rs {
		out = append(out, *cloneRide(r))
	}
	return out, nil
}

func (m *MemoryStore) CountRides(_ context.Context, f RideFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matchingRides(f))), nil
}

func cloneProfile(p *models.DriverProfile) *models.DriverProfile {
	cp := *p
	if p.CurrentLocation != nil {
		loc := *p.CurrentLocation
		cp.CurrentLocation = &loc
	}
	return &cp
}

func (m *MemoryStore) GetProfile(_ context.Context, driverID string) (*models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, p *models.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.DriverID] = cloneProfile(p)
	return nil
}

func (m *MemoryStore) FindProfiles(_ context.Context, f ProfileFilter) ([]models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	if f.DriverIDs != nil {
		ids = f.DriverIDs
	} else {
		for id := range m.profiles {
			ids = append(ids, id)
		}
	}
	out := make([]models.DriverProfile, 0, len(ids))
	for _, id := range ids {
		p, ok := m.profiles[id]
		if !ok {
			continue
		}
		if f.OnlineOnly && !p.Online {
			continue
		}
		if p.Vehicle.BatteryLevel < f.MinBattery {
			continue
		}
		if f.Tier != "" && p.Vehicle.Tier != f.Tier {
			continue
		}
		out = append(out, *cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *MemoryStore) updateProfile(driverID string, fn func(p *models.DriverProfile)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[driverID]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetProfileOnline(_ context.Context, driverID string, online bool) error {
	return m.updateProfile(driverID, func(p *models.DriverProfile) { p.Online = online })
}

func (m *MemoryStore) SetProfileLocation(_ context.Context, driverID string, loc models.Coord) error {
	return m.updateProfile(driverID, func(p *models.DriverProfile) { p.CurrentLocation = &loc })
}

func (m *MemoryStore) IncrementProfileTotals(_ context.Context, driverID string, earnings, rides int64) error {
	return m.updateProfile(driverID, func(p *models.DriverProfile) {
		p.Earnings += earnings
		p.TotalRides += rides
	})
}

func (m *MemoryStore) SetProfileRating(_ context.Context, driverID string, rating float64) error {
	return m.updateProfile(driverID, func(p *models.DriverProfile) { p.Rating = rating })
}

func cloneStats(s *models.DriverStats) *models.DriverStats {
	cp := *s
	cp.WeeklyEarnings = append([]models.DailyEarning(nil), s.WeeklyEarnings...)
	return &cp
}

func (m *MemoryStore) GetStats(_ context.Context, driverID string) (*models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStats(s), nil
}

func (m *MemoryStore) SaveStats(_ context.Context, s *models.DriverStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[s.DriverID] = cloneStats(s)
	return nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.RideID]; ok {
		return ErrDuplicate
	}
	cp := *p
	m.payments[p.RideID] = &cp
	return nil
}

func (m *MemoryStore) GetPaymentByRide(_ context.Context, rideID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MarkPaymentPaid(_ context.Context, rideID string, at time.Time) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	p.Status = models.PaymentPaid
	p.UpdatedAt = at
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) TouchRecentLocation(_ context.Context, l *models.RecentLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.recent[l.UserID] {
		if existing.Address == l.Address {
			existing.LastUsed = l.LastUsed
			return nil
		}
	}
	cp := *l
	m.recent[l.UserID] = append(m.recent[l.UserID], &cp)
	return nil
}

func (m *MemoryStore) ListRecentLocations(_ context.Context, userID string, limit int) ([]models.RecentLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RecentLocation, 0, len(m.recent[userID]))
	for _, l := range m.recent[userID] {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
