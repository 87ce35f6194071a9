// Package presence handles explicit connect and disconnect signals from the
// captive portal, independent of router polling.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/macaddr"
)

// ErrInvalidRequest is returned when a user ID or MAC is missing or malformed.
var ErrInvalidRequest = errors.New("invalid request")

// ConnectRequest is one explicit connect signal.
type ConnectRequest struct {
	UserID     string `json:"user_id"`
	MAC        string `json:"mac_address"`
	DeviceName string `json:"device_name,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	RouterID   string `json:"router_id,omitempty"`
}

// Recorder receives presence metrics.
type Recorder interface {
	RecordDeviceUpsert(source string, err error)
	RecordDeviceOffline(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDeviceUpsert(string, error) {}
func (nopRecorder) RecordDeviceOffline(string)       {}

// Tracker applies connect/disconnect signals to the directory.
type Tracker struct {
	dir      directory.Directory
	recorder Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker.
func NewTracker(dir directory.Directory, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		dir:      dir,
		recorder: nopRecorder{},
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect records the device online, creating it on first sight, and
// increments its connection count.
func (t *Tracker) Connect(ctx context.Context, req ConnectRequest) (directory.DeviceRecord, error) {
	mac, err := validate(req.UserID, req.MAC)
	if err != nil {
		return directory.DeviceRecord{}, err
	}

	rec, err := t.dir.UpsertDevice(ctx, req.UserID, mac, directory.Observation{
		IPAddress:  req.IPAddress,
		DeviceName: req.DeviceName,
		UserAgent:  req.UserAgent,
		RouterID:   req.RouterID,
		SeenAt:     t.now(),
	})
	t.recorder.RecordDeviceUpsert("connect", err)
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("connect %s/%s: %w", req.UserID, mac, err)
	}

	t.logger.Debug("Device connected",
		zap.String("user_id", req.UserID),
		zap.String("mac", mac),
		zap.Int64("connection_count", rec.ConnectionCount),
	)
	return rec, nil
}

// Disconnect sets the device offline and refreshes lastSeen. The connection
// count is unchanged. directory.ErrNotFound if the device was never seen.
func (t *Tracker) Disconnect(ctx context.Context, userID, mac string) (directory.DeviceRecord, error) {
	canon, err := validate(userID, mac)
	if err != nil {
		return directory.DeviceRecord{}, err
	}

	if err := t.dir.SetDeviceStatus(ctx, userID, canon, directory.StatusOffline, t.now()); err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("disconnect %s/%s: %w", userID, canon, err)
	}
	t.recorder.RecordDeviceOffline("disconnect")

	rec, err := t.dir.GetDevice(ctx, userID, canon)
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("disconnect %s/%s: %w", userID, canon, err)
	}

	t.logger.Debug("Device disconnected", zap.String("user_id", userID), zap.String("mac", canon))
	return rec, nil
}

func validate(userID, mac string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(mac) == "" {
		return "", fmt.Errorf("%w: mac address required", ErrInvalidRequest)
	}
	canon, err := macaddr.Canonicalize(mac)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return canon, nil
}
