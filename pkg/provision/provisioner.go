// Package provision turns a package purchase into a device-limited vendor
// credential and records it in the directory.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

var (
	// ErrInvalidPackage is returned for a package that cannot be provisioned.
	ErrInvalidPackage = errors.New("invalid package")

	// ErrInvalidPurchase is returned when the purchase has no user.
	ErrInvalidPurchase = errors.New("invalid purchase")

	// ErrAccountNotRecorded means the vendor account exists but could not be
	// saved. It needs manual reconciliation; nothing is rolled back.
	ErrAccountNotRecorded = errors.New("vendor account created but not recorded")
)

// DefaultUsernamePrefix starts every generated vendor username.
const DefaultUsernamePrefix = "hs"

// Purchase is one completed package purchase.
type Purchase struct {
	UserID     string
	Package    directory.Package
	RouterType platform.Platform
	// RouterID picks a specific router; empty means the first configured
	// router of RouterType.
	RouterID string
}

// Recorder receives provisioning metrics.
type Recorder interface {
	RecordProvision(platform string, err error, latency time.Duration)
	RecordProvisionInconsistency(platform string)
}

type nopRecorder struct{}

func (nopRecorder) RecordProvision(string, error, time.Duration) {}
func (nopRecorder) RecordProvisionInconsistency(string)          {}

// Provisioner issues router accounts.
type Provisioner struct {
	fleet    *platform.Fleet
	dir      directory.Directory
	recorder Recorder
	prefix   string
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(p *Provisioner) { p.recorder = r }
}

// WithUsernamePrefix sets the generated username prefix.
func WithUsernamePrefix(prefix string) Option {
	return func(p *Provisioner) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) { p.now = now }
}

// New creates a provisioner over the configured fleet.
func New(fleet *platform.Fleet, dir directory.Directory, logger *zap.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		fleet:    fleet,
		dir:      dir,
		recorder: nopRecorder{},
		prefix:   DefaultUsernamePrefix,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidatePackage checks a package can be provisioned.
func ValidatePackage(pkg directory.Package) error {
	if pkg.DeviceLimit < 1 {
		return fmt.Errorf("%w: device limit must be at least 1, got %d", ErrInvalidPackage, pkg.DeviceLimit)
	}
	if pkg.DurationMinutes < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidPackage)
	}
	return nil
}

// Provision creates exactly one vendor account for the purchase and saves
// it. The returned account carries the platform, username and password the
// customer needs.
func (p *Provisioner) Provision(ctx context.Context, purchase Purchase) (*directory.RouterAccount, error) {
	if purchase.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidPurchase)
	}
	if err := ValidatePackage(purchase.Package); err != nil {
		return nil, err
	}
	client, err := p.selectRouter(purchase)
	if err != nil {
		return nil, err
	}

	kind := client.Platform()
	logger := p.logger.With(
		zap.String("user_id", purchase.UserID),
		zap.String("router_id", client.RouterID()),
		zap.String("platform", string(kind)),
	)
	start := p.now()

	var creds platform.Credentials
	err = platform.WithSession(ctx, client, func(s platform.Session) error {
		var err error
		creds, err = s.CreateBoundAccount(ctx, platform.AccountRequest{
			Username:    p.newUsername(),
			DeviceLimit: purchase.Package.DeviceLimit,
			Duration:    purchase.Package.Duration(),
		})
		return err
	})
	if err != nil {
		p.recorder.RecordProvision(string(kind), err, p.now().Sub(start))
		logger.Warn("Vendor account creation failed", zap.Error(err))
		return nil, err
	}

	acct := directory.RouterAccount{
		ID:             uuid.NewString(),
		VendorUsername: creds.Username,
		VendorPassword: creds.Password,
		Platform:       kind,
		DeviceLimit:    purchase.Package.DeviceLimit,
		AppUserID:      purchase.UserID,
		RouterID:       client.RouterID(),
		PackageName:    purchase.Package.Name,
		CreatedAt:      p.now().UTC(),
	}

	if err := p.dir.SaveAccount(ctx, acct); err != nil {
		p.recorder.RecordProvision(string(kind), err, p.now().Sub(start))
		p.recorder.RecordProvisionInconsistency(string(kind))
		logger.Error("Vendor account created but not recorded; manual reconciliation required",
			zap.String("vendor_username", creds.Username),
			zap.String("account_id", acct.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s on router %s: %w", ErrAccountNotRecorded, creds.Username, client.RouterID(), err)
	}

	p.recorder.RecordProvision(string(kind), nil, p.now().Sub(start))
	logger.Info("Provisioned router account",
		zap.String("account_id", acct.ID),
		zap.String("vendor_username", acct.VendorUsername),
		zap.Int("device_limit", acct.DeviceLimit),
	)
	return &acct, nil
}

func (p *Provisioner) selectRouter(purchase Purchase) (platform.Client, error) {
	kind, err := platform.ParsePlatform(string(purchase.RouterType))
	if err != nil {
		return nil, err
	}

	if purchase.RouterID != "" {
		c, ok := p.fleet.Get(purchase.RouterID)
		if !ok || c.Platform() != kind {
			return nil, &platform.Error{
				Platform: kind, RouterID: purchase.RouterID, Op: "select router",
				Kind: platform.ErrUnsupportedVendor, Err: fmt.Errorf("no %s router with that id", kind),
			}
		}
		return c, nil
	}

	candidates := p.fleet.ByPlatform(kind)
	if len(candidates) == 0 {
		return nil, &platform.Error{
			Platform: kind, Op: "select router",
			Kind: platform.ErrUnsupportedVendor, Err: fmt.Errorf("no %s router configured", kind),
		}
	}
	return candidates[0], nil
}

// newUsername returns e.g. "hs-3f9c2a71".
func (p *Provisioner) newUsername() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return p.prefix + "-" + id[:8]
}
