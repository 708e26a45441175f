package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

// MongoStore persists the ride documents in MongoDB. Status transitions use
// FindOneAndUpdate with the expected status in the filter, so the check and
// the write are one atomic server-side operation.
type MongoStore struct {
	client   *mongo.Client
	rides    *mongo.Collection
	profiles *mongo.Collection
	stats    *mongo.Collection
	payments *mongo.Collection
	recent   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx2, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx2, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		rides:    db.Collection("rides"),
		profiles: db.Collection("driver_profiles"),
		stats:    db.Collection("driver_stats"),
		payments: db.Collection("payments"),
		recent:   db.Collection("recent_locations"),
	}, nil
}

// EnsureIndexes creates the lookup and uniqueness indexes the store relies on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := m.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "rider_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return err
	}
	if _, err := m.payments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ride_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := m.recent.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "address", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (m *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := m.rides.InsertOne(ctx, r)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	if err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (m *MongoStore) UpdateRideIf(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error) {
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	set := bson.M{"updated_at": updatedAt}
	unset := bson.M{}
	if upd.Status != "" {
		set["status"] = upd.Status
	}
	if upd.DriverID != nil {
		if *upd.DriverID == "" {
			unset["driver_id"] = ""
		} else {
			set["driver_id"] = *upd.DriverID
		}
	}
	if upd.StartedAt != nil {
		set["started_at"] = *upd.StartedAt
	}
	if upd.EndedAt != nil {
		set["ended_at"] = *upd.EndedAt
	}
	if upd.CancelledBy != "" {
		set["cancelled_by"] = upd.CancelledBy
		set["cancel_reason"] = upd.CancelReason
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var r models.Ride
	err := m.rides.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": expected},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := m.rides.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, cerr
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrPreconditionFailed
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func rideQuery(f RideFilter) bson.M {
	q := bson.M{}
	if f.RiderID != "" {
		q["rider_id"] = f.RiderID
	}
	if f.DriverID != "" {
		q["driver_id"] = f.DriverID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	return q
}

var newestFirst = bson.D{{Key: "created_at", Value: -1}}

func (m *MongoStore) FindRide(ctx context.Context, f RideFilter) (*models.Ride, error) {
	var r models.Ride
	err := m.rides.FindOne(ctx, rideQuery(f), options.FindOne().SetSort(newestFirst)).Decode(&r)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (m *MongoStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	opts := options.Find().SetSort(newestFirst)
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	cur, err := m.rides.Find(ctx, rideQuery(f), opts)
	if err != nil {
		return nil, err
	}
	out := []models.Ride{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) CountRides(ctx context.Context, f RideFilter) (int64, error) {
	return m.rides.CountDocuments(ctx, rideQuery(f))
}

func (m *MongoStore) GetProfile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	var p models.DriverProfile
	if err := m.profiles.FindOne(ctx, bson.M{"_id": driverID}).Decode(&p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (m *MongoStore) UpsertProfile(ctx context.Context, p *models.DriverProfile) error {
	cp := *p
	cp.UpdatedAt = time.Now()
	_, err := m.profiles.ReplaceOne(ctx, bson.M{"_id": p.DriverID}, &cp, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) FindProfiles(ctx context.Context, f ProfileFilter) ([]models.DriverProfile, error) {
	q := bson.M{"vehicle.battery_level": bson.M{"$gte": f.MinBattery}}
	if f.DriverIDs != nil {
		q["_id"] = bson.M{"$in": f.DriverIDs}
	}
	if f.OnlineOnly {
		q["online"] = true
	}
	if f.Tier != "" {
		q["vehicle.tier"] = f.Tier
	}
	cur, err := m.profiles.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []models.DriverProfile{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) updateProfile(ctx context.Context, driverID string, update bson.M) error {
	if set, ok := update["$set"].(bson.M); ok {
		set["updated_at"] = time.Now()
	} else {
		update["$set"] = bson.M{"updated_at": time.Now()}
	}
	res, err := m.profiles.UpdateOne(ctx, bson.M{"_id": driverID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) SetProfileOnline(ctx context.Context, driverID string, online bool) error {
	return m.updateProfile(ctx, driverID, bson.M{"$set": bson.M{"online": online}})
}

func (m *MongoStore) SetProfileLocation(ctx context.Context, driverID string, loc models.Coord) error {
	return m.updateProfile(ctx, driverID, bson.M{"$set": bson.M{"current_location": loc}})
}

func (m *MongoStore) IncrementProfileTotals(ctx context.Context, driverID string, earnings, rides int64) error {
	return m.updateProfile(ctx, driverID, bson.M{"$inc": bson.M{"earnings": earnings, "total_rides": rides}})
}

func (m *MongoStore) SetProfileRating(ctx context.Context, driverID string, rating float64) error {
	return m.updateProfile(ctx, driverID, bson.M{"$set": bson.M{"rating": rating}})
}

func (m *MongoStore) GetStats(ctx context.Context, driverID string) (*models.DriverStats, error) {
	var s models.DriverStats
	if err := m.stats.FindOne(ctx, bson.M{"_id": driverID}).Decode(&s); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (m *MongoStore) SaveStats(ctx context.Context, s *models.DriverStats) error {
	_, err := m.stats.ReplaceOne(ctx, bson.M{"_id": s.DriverID}, s, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := m.payments.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoStore) GetPaymentByRide(ctx context.Context, rideID string) (*models.Payment, error) {
	var p models.Payment
	if err := m.payments.FindOne(ctx, bson.M{"ride_id": rideID}).Decode(&p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (m *MongoStore) MarkPaymentPaid(ctx context.Context, rideID string, at time.Time) (*models.Payment, error) {
	var p models.Payment
	err := m.payments.FindOneAndUpdate(ctx,
		bson.M{"ride_id": rideID},
		bson.M{"$set": bson.M{"status": models.PaymentPaid, "updated_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&p)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (m *MongoStore) TouchRecentLocation(ctx context.Context, l *models.RecentLocation) error {
	_, err := m.recent.UpdateOne(ctx,
		bson.M{"user_id": l.UserID, "address": l.Address},
		bson.M{
			"$set": bson.M{"last_used": l.LastUsed},
			"$setOnInsert": bson.M{
				"_id":  l.ID,
				"name": l.Name,
				"lat":  l.Lat,
				"lng":  l.Lng,
				"kind": l.Kind,
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) ListRecentLocations(ctx context.Context, userID string, limit int) ([]models.RecentLocation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_used", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.recent.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	out := []models.RecentLocation{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
