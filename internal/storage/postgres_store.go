package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address, dest_lat, dest_lng, dest_address,
	status, fare, distance, duration, tier, geometry, cancelled_by, cancel_reason, started_at, ended_at, created_at, updated_at`

const profileColumns = `driver_id, name, vehicle_tier, vehicle_brand, vehicle_model, vehicle_plate, vehicle_color,
	battery_level, range_km, online, earnings, total_rides, rating, loc_lat, loc_lng, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func scanRide(s rowScanner) (*models.Ride, error) {
	var (
		r                     models.Ride
		driverID, cancelledBy sql.NullString
		cancelReason          sql.NullString
		geometry              []byte
		startedAt, endedAt    sql.NullTime
		status, tier          string
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address, &status, &r.Fare, &r.Distance,
		&r.Duration, &tier, &geometry, &cancelledBy, &cancelReason, &startedAt, &endedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.Status = models.RideStatus(status)
	r.Tier = models.Tier(tier)
	r.CancelledBy = models.Actor(cancelledBy.String)
	r.CancelReason = cancelReason.String
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if len(geometry) > 0 {
		if err := json.Unmarshal(geometry, &r.Geometry); err != nil {
			return nil, fmt.Errorf("decode geometry: %w", err)
		}
	}
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	var geometry []byte
	if len(r.Geometry) > 0 {
		b, err := json.Marshal(r.Geometry)
		if err != nil {
			return err
		}
		geometry = b
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.RiderID, nullString(r.DriverID), r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address, string(r.Status), r.Fare, r.Distance,
		r.Duration, string(r.Tier), geometry, nullString(string(r.CancelledBy)), nullString(r.CancelReason),
		nullTime(r.StartedAt), nullTime(r.EndedAt), r.CreatedAt, r.UpdatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRideIf(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.Status != "" {
		set("status", string(upd.Status))
	}
	if upd.DriverID != nil {
		set("driver_id", nullString(*upd.DriverID))
	}
	if upd.StartedAt != nil {
		set("started_at", *upd.StartedAt)
	}
	if upd.EndedAt != nil {
		set("ended_at", *upd.EndedAt)
	}
	if upd.CancelledBy != "" {
		set("cancelled_by", string(upd.CancelledBy))
		set("cancel_reason", nullString(upd.CancelReason))
	}
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	set("updated_at", updatedAt)

	args = append(args, id, string(expected))
	q := fmt.Sprintf(`UPDATE rides SET %s WHERE id=$%d AND status=$%d RETURNING `+rideColumns,
		strings.Join(sets, ", "), len(args)-1, len(args))
	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrPreconditionFailed
	}
	return r, err
}

func rideWhere(f RideFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.RiderID != "" {
		args = append(args, f.RiderID)
		conds = append(conds, fmt.Sprintf("rider_id=$%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		conds = append(conds, fmt.Sprintf("driver_id=$%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *PostgresStore) FindRide(ctx context.Context, f RideFilter) (*models.Ride, error) {
	where, args := rideWhere(f)
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides`+where+` ORDER BY created_at DESC LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	where, args := rideWhere(f)
	q := `SELECT ` + rideColumns + ` FROM rides` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountRides(ctx context.Context, f RideFilter) (int64, error) {
	where, args := rideWhere(f)
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides`+where, args...).Scan(&n)
	return n, err
}

func scanProfile(s rowScanner) (*models.DriverProfile, error) {
	var (
		pr             models.DriverProfile
		tier           string
		locLat, locLng sql.NullFloat64
	)
	err := s.Scan(&pr.DriverID, &pr.Name, &tier, &pr.Vehicle.Brand, &pr.Vehicle.Model, &pr.Vehicle.Plate,
		&pr.Vehicle.Color, &pr.Vehicle.BatteryLevel, &pr.Vehicle.RangeKm, &pr.Online, &pr.Earnings,
		&pr.TotalRides, &pr.Rating, &locLat, &locLng, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pr.Vehicle.Tier = models.Tier(tier)
	if locLat.Valid && locLng.Valid {
		pr.CurrentLocation = &models.Coord{Lat: locLat.Float64, Lng: locLng.Float64}
	}
	return &pr, nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	pr, err := scanProfile(p.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM driver_profiles WHERE driver_id=$1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pr, err
}

func (p *PostgresStore) UpsertProfile(ctx context.Context, pr *models.DriverProfile) error {
	var locLat, locLng sql.NullFloat64
	if pr.CurrentLocation != nil {
		locLat = sql.NullFloat64{Float64: pr.CurrentLocation.Lat, Valid: true}
		locLng = sql.NullFloat64{Float64: pr.CurrentLocation.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_profiles(`+profileColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
		ON CONFLICT (driver_id) DO UPDATE SET
			name=EXCLUDED.name, vehicle_tier=EXCLUDED.vehicle_tier, vehicle_brand=EXCLUDED.vehicle_brand,
			vehicle_model=EXCLUDED.vehicle_model, vehicle_plate=EXCLUDED.vehicle_plate, vehicle_color=EXCLUDED.vehicle_color,
			battery_level=EXCLUDED.battery_level, range_km=EXCLUDED.range_km, online=EXCLUDED.online,
			earnings=EXCLUDED.earnings, total_rides=EXCLUDED.total_rides, rating=EXCLUDED.rating,
			loc_lat=EXCLUDED.loc_lat, loc_lng=EXCLUDED.loc_lng, updated_at=now()`,
		pr.DriverID, pr.Name, string(pr.Vehicle.Tier), pr.Vehicle.Brand, pr.Vehicle.Model, pr.Vehicle.Plate,
		pr.Vehicle.Color, pr.Vehicle.BatteryLevel, pr.Vehicle.RangeKm, pr.Online, pr.Earnings, pr.TotalRides,
		pr.Rating, locLat, locLng)
	return err
}

func (p *PostgresStore) FindProfiles(ctx context.Context, f ProfileFilter) ([]models.DriverProfile, error) {
	conds := []string{"battery_level >= $1"}
	args := []any{f.MinBattery}
	if f.DriverIDs != nil {
		args = append(args, pq.Array(f.DriverIDs))
		conds = append(conds, fmt.Sprintf("driver_id = ANY($%d)", len(args)))
	}
	if f.OnlineOnly {
		conds = append(conds, "online")
	}
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		conds = append(conds, fmt.Sprintf("vehicle_tier=$%d", len(args)))
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM driver_profiles WHERE `+
		strings.Join(conds, " AND ")+` ORDER BY driver_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.DriverProfile{}
	for rows.Next() {
		pr, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetProfileOnline(ctx context.Context, driverID string, online bool) error {
	return p.execOne(ctx, `UPDATE driver_profiles SET online=$1, updated_at=now() WHERE driver_id=$2`, online, driverID)
}

func (p *PostgresStore) SetProfileLocation(ctx context.Context, driverID string, loc models.Coord) error {
	return p.execOne(ctx, `UPDATE driver_profiles SET loc_lat=$1, loc_lng=$2, updated_at=now() WHERE driver_id=$3`, loc.Lat, loc.Lng, driverID)
}

func (p *PostgresStore) IncrementProfileTotals(ctx context.Context, driverID string, earnings, rides int64) error {
	return p.execOne(ctx, `UPDATE driver_profiles SET earnings=earnings+$1, total_rides=total_rides+$2, updated_at=now() WHERE driver_id=$3`,
		earnings, rides, driverID)
}

func (p *PostgresStore) SetProfileRating(ctx context.Context, driverID string, rating float64) error {
	return p.execOne(ctx, `UPDATE driver_profiles SET rating=$1, updated_at=now() WHERE driver_id=$2`, rating, driverID)
}

func (p *PostgresStore) GetStats(ctx context.Context, driverID string) (*models.DriverStats, error) {
	var (
		s         models.DriverStats
		weekly    []byte
		todayDate sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, weekly_earnings, today_date, today_trips, today_online_minutes, updated_at
		FROM driver_stats WHERE driver_id=$1`, driverID).
		Scan(&s.DriverID, &weekly, &todayDate, &s.TodayTrips, &s.TodayOnlineMinutes, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(weekly, &s.WeeklyEarnings); err != nil {
		return nil, fmt.Errorf("decode weekly earnings: %w", err)
	}
	if todayDate.Valid {
		s.TodayDate = todayDate.Time
	}
	return &s, nil
}

func (p *PostgresStore) SaveStats(ctx context.Context, s *models.DriverStats) error {
	weekly, err := json.Marshal(s.WeeklyEarnings)
	if err != nil {
		return err
	}
	var todayDate sql.NullTime
	if !s.TodayDate.IsZero() {
		todayDate = sql.NullTime{Time: s.TodayDate, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO driver_stats(driver_id, weekly_earnings, today_date, today_trips, today_online_minutes, updated_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (driver_id) DO UPDATE SET weekly_earnings=EXCLUDED.weekly_earnings, today_date=EXCLUDED.today_date,
			today_trips=EXCLUDED.today_trips, today_online_minutes=EXCLUDED.today_online_minutes, updated_at=EXCLUDED.updated_at`,
		s.DriverID, weekly, todayDate, s.TodayTrips, s.TodayOnlineMinutes, s.UpdatedAt)
	return err
}

func scanPayment(s rowScanner) (*models.Payment, error) {
	var (
		pm     models.Payment
		status string
	)
	if err := s.Scan(&pm.ID, &pm.RideID, &pm.Amount, &status, &pm.Method, &pm.CreatedAt, &pm.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	pm.Status = models.PaymentStatus(status)
	return &pm, nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pm *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(id, ride_id, amount, status, method, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, pm.ID, pm.RideID, pm.Amount, string(pm.Status), pm.Method, pm.CreatedAt, pm.UpdatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) GetPaymentByRide(ctx context.Context, rideID string) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT id, ride_id, amount, status, method, created_at, updated_at
		FROM payments WHERE ride_id=$1`, rideID))
}

func (p *PostgresStore) MarkPaymentPaid(ctx context.Context, rideID string, at time.Time) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `UPDATE payments SET status=$1, updated_at=$2 WHERE ride_id=$3
		RETURNING id, ride_id, amount, status, method, created_at, updated_at`, string(models.PaymentPaid), at, rideID))
}

func (p *PostgresStore) TouchRecentLocation(ctx context.Context, l *models.RecentLocation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO recent_locations(id, user_id, name, address, lat, lng, kind, last_used)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, address) DO UPDATE SET last_used=EXCLUDED.last_used`,
		l.ID, l.UserID, l.Name, l.Address, l.Lat, l.Lng, l.Kind, l.LastUsed)
	return err
}

func (p *PostgresStore) ListRecentLocations(ctx context.Context, userID string, limit int) ([]models.RecentLocation, error) {
	q := `SELECT id, user_id, name, address, lat, lng, kind, last_used FROM recent_locations WHERE user_id=$1 ORDER BY last_used DESC`
	args := []any{userID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.RecentLocation{}
	for rows.Next() {
		var l models.RecentLocation
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Address, &l.Lat, &l.Lng, &l.Kind, &l.LastUsed); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
