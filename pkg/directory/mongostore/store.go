// Package mongostore implements directory.Directory on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
)

const (
	DefaultDatabase = "hotspotd"

	devicesCollection  = "devices"
	accountsCollection = "router_accounts"
)

// Store is a MongoDB-backed directory.
type Store struct {
	client   *mongo.Client
	devices  *mongo.Collection
	accounts *mongo.Collection
}

// Open connects, pings and ensures indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		devices:  db.Collection(devicesCollection),
		accounts: db.Collection(accountsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.devices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "mac_address", Value: 1}},
			Options: options.Index().SetName("uniq_user_mac").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "ip_address", Value: 1}, {Key: "last_seen", Value: -1}},
			Options: options.Index().SetName("idx_ip_last_seen"),
		},
	})
	if err != nil {
		return fmt.Errorf("create device indexes: %w", err)
	}
	_, err = s.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "vendor_username", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("idx_vendor_username"),
	})
	if err != nil {
		return fmt.Errorf("create account index: %w", err)
	}
	return nil
}

func deviceFilter(userID, mac string) bson.M {
	return bson.M{"user_id": userID, "mac_address": mac}
}

// deviceUpdate builds the merge document for UpsertDevice. first_seen is
// only written on insert and connection_count is incremented server-side.
func deviceUpdate(userID, mac string, obs directory.Observation) bson.M {
	set := bson.M{
		"last_seen": obs.SeenAt,
		"status":    string(directory.StatusOnline),
	}
	if obs.IPAddress != "" {
		set["ip_address"] = obs.IPAddress
	}
	if obs.DeviceName != "" {
		set["device_name"] = obs.DeviceName
	}
	if obs.UserAgent != "" {
		set["user_agent"] = obs.UserAgent
	}
	if obs.RouterID != "" {
		set["router_id"] = obs.RouterID
	}
	return bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"user_id":     userID,
			"mac_address": mac,
			"first_seen":  obs.SeenAt,
		},
		"$inc": bson.M{"connection_count": int64(1)},
	}
}

// UpsertDevice implements directory.Directory with a single
// findOneAndUpdate(upsert) so the merge is atomic per document.
func (s *Store) UpsertDevice(ctx context.Context, userID, mac string, obs directory.Observation) (directory.DeviceRecord, error) {
	if userID == "" || mac == "" {
		return directory.DeviceRecord{}, fmt.Errorf("user id and mac required")
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var rec directory.DeviceRecord
	err := s.devices.FindOneAndUpdate(ctx, deviceFilter(userID, mac), deviceUpdate(userID, mac, obs), opts).Decode(&rec)
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("failed to upsert device: %w", err)
	}
	return rec, nil
}

// SetDeviceStatus implements directory.Directory.
func (s *Store) SetDeviceStatus(ctx context.Context, userID, mac string, status directory.Status, at time.Time) error {
	res, err := s.devices.UpdateOne(ctx, deviceFilter(userID, mac), bson.M{
		"$set": bson.M{"status": string(status), "last_seen": at},
	})
	if err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	if res.MatchedCount == 0 {
		return directory.ErrNotFound
	}
	return nil
}

// MarkDeviceOffline implements directory.Directory.
func (s *Store) MarkDeviceOffline(ctx context.Context, userID, mac, routerID string, seenAt time.Time) (bool, error) {
	filter := deviceFilter(userID, mac)
	filter["status"] = string(directory.StatusOnline)
	filter["router_id"] = routerID
	filter["last_seen"] = bson.M{"$lte": seenAt}

	res, err := s.devices.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{"status": string(directory.StatusOffline), "last_seen": seenAt},
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// GetDevice implements directory.Directory.
func (s *Store) GetDevice(ctx context.Context, userID, mac string) (directory.DeviceRecord, error) {
	var rec directory.DeviceRecord
	err := s.devices.FindOne(ctx, deviceFilter(userID, mac)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return directory.DeviceRecord{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("failed to get device: %w", err)
	}
	return rec, nil
}

// ListDevices implements directory.Directory.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]directory.DeviceRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_seen", Value: -1}, {Key: "mac_address", Value: 1}})
	cur, err := s.devices.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]directory.DeviceRecord, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}
	return out, nil
}

// FindDeviceByIP implements directory.Directory.
func (s *Store) FindDeviceByIP(ctx context.Context, ip string) (directory.DeviceRecord, error) {
	if ip == "" {
		return directory.DeviceRecord{}, directory.ErrNotFound
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "last_seen", Value: -1}})

	var rec directory.DeviceRecord
	err := s.devices.FindOne(ctx, bson.M{"ip_address": ip}, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return directory.DeviceRecord{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("failed to find device by IP: %w", err)
	}
	return rec, nil
}

// SaveAccount implements directory.Directory.
func (s *Store) SaveAccount(ctx context.Context, acct directory.RouterAccount) error {
	if acct.ID == "" || acct.VendorUsername == "" {
		return fmt.Errorf("account id and vendor username required")
	}
	if _, err := s.accounts.InsertOne(ctx, acct); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccountByVendorUsername implements directory.Directory.
func (s *Store) GetAccountByVendorUsername(ctx context.Context, username string) (directory.RouterAccount, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	var acct directory.RouterAccount
	err := s.accounts.FindOne(ctx, bson.M{"vendor_username": username}, opts).Decode(&acct)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return directory.RouterAccount{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.RouterAccount{}, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}
