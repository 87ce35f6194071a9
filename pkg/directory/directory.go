// Package directory is the device and account store shared by the poller,
// the provisioner and the connect/disconnect path.
//
// Implementations must make UpsertDevice a single atomic merge: the
// connection counter is incremented by the store itself, never computed by
// the caller. MAC addresses are expected in canonical form (see macaddr).
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// ErrNotFound is returned when a device or account does not exist.
var ErrNotFound = errors.New("not found")

// Status is a device's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Package is a purchasable access plan.
type Package struct {
	Name            string  `json:"name" yaml:"name"`
	Price           float64 `json:"price" yaml:"price"`
	DurationMinutes int     `json:"duration_minutes" yaml:"duration_minutes"`
	DeviceLimit     int     `json:"device_limit" yaml:"device_limit"`
}

// Duration is the package lifetime; zero means unlimited.
func (p Package) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}

// RouterAccount is a vendor credential issued to an application user.
// Written once at provisioning time and never mutated.
type RouterAccount struct {
	ID             string            `json:"id" bson:"_id"`
	VendorUsername string            `json:"vendor_username" bson:"vendor_username"`
	VendorPassword string            `json:"vendor_password,omitempty" bson:"vendor_password"`
	Platform       platform.Platform `json:"platform" bson:"platform"`
	DeviceLimit    int               `json:"device_limit" bson:"device_limit"`
	AppUserID      string            `json:"app_user_id" bson:"app_user_id"`
	RouterID       string            `json:"router_id" bson:"router_id"`
	PackageName    string            `json:"package_name,omitempty" bson:"package_name,omitempty"`
	CreatedAt      time.Time         `json:"created_at" bson:"created_at"`
}

// DeviceRecord is one device of one user. (UserID, MACAddress) is unique.
type DeviceRecord struct {
	UserID          string    `json:"user_id" bson:"user_id"`
	MACAddress      string    `json:"mac_address" bson:"mac_address"`
	DeviceName      string    `json:"device_name,omitempty" bson:"device_name"`
	UserAgent       string    `json:"user_agent,omitempty" bson:"user_agent"`
	IPAddress       string    `json:"ip_address,omitempty" bson:"ip_address"`
	RouterID        string    `json:"router_id,omitempty" bson:"router_id"`
	FirstSeen       time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen        time.Time `json:"last_seen" bson:"last_seen"`
	ConnectionCount int64     `json:"connection_count" bson:"connection_count"`
	Status          Status    `json:"status" bson:"status"`
}

// Observation is what one sighting of a device contributes to its record.
// Empty string fields leave the stored value unchanged.
type Observation struct {
	IPAddress  string
	DeviceName string
	UserAgent  string
	RouterID   string
	SeenAt     time.Time
}

// Directory stores devices and router accounts.
type Directory interface {
	// UpsertDevice creates the record if absent (firstSeen = SeenAt), otherwise
	// merges obs into it. Either way lastSeen = SeenAt, status = online and
	// connectionCount is incremented by one.
	UpsertDevice(ctx context.Context, userID, mac string, obs Observation) (DeviceRecord, error)

	// SetDeviceStatus sets status and lastSeen. ErrNotFound if absent.
	SetDeviceStatus(ctx context.Context, userID, mac string, status Status, at time.Time) error

	// MarkDeviceOffline sets an online device offline with lastSeen = seenAt,
	// but only while its record still names routerID and was last seen no
	// later than seenAt. It reports whether the record changed; an absent
	// device reports false.
	MarkDeviceOffline(ctx context.Context, userID, mac, routerID string, seenAt time.Time) (bool, error)

	GetDevice(ctx context.Context, userID, mac string) (DeviceRecord, error)

	// ListDevices returns a user's devices, most recently seen first.
	ListDevices(ctx context.Context, userID string) ([]DeviceRecord, error)

	// FindDeviceByIP returns the most recently seen device holding ip.
	FindDeviceByIP(ctx context.Context, ip string) (DeviceRecord, error)

	SaveAccount(ctx context.Context, acct RouterAccount) error

	// GetAccountByVendorUsername returns the newest account with that
	// vendor username.
	GetAccountByVendorUsername(ctx context.Context, username string) (RouterAccount, error)
}
