// Package platform defines the capability set every router platform adapter
// implements, plus the static registry that turns router configuration into
// live clients.
//
// A Client is cheap to construct and holds no connection. Connect opens a
// Session, which owns the transport until Close. Callers should prefer
// WithSession so the transport is released on every exit path.
package platform

import (
	"context"
	"time"
)

// Platform identifies a router or controller product family.
type Platform string

const (
	// PlatformMikroTik is a RouterOS hotspot router reached over the API protocol.
	PlatformMikroTik Platform = "mikrotik"
	// PlatformUniFi is a UniFi Network controller reached over its HTTP API.
	PlatformUniFi Platform = "unifi"
	// PlatformOpenWrt is an OpenWrt router reached over SSH (FreeRADIUS + dnsmasq).
	PlatformOpenWrt Platform = "openwrt"
)

// KnownPlatforms lists every platform this build understands.
var KnownPlatforms = []Platform{PlatformMikroTik, PlatformUniFi, PlatformOpenWrt}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range KnownPlatforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", &Error{Platform: Platform(s), Op: "resolve", Kind: ErrUnsupportedVendor}
}

// DefaultTimeout bounds vendor connects when a router config sets none.
const DefaultTimeout = 5 * time.Second

// RouterConfig describes one configured router. Fields that only apply to a
// single platform are ignored by the others.
type RouterConfig struct {
	ID       string        `yaml:"id" json:"id"`
	Platform Platform      `yaml:"platform" json:"platform"`
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port,omitempty"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"-"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// PasswordFile, when set, replaces Password with the file's contents.
	PasswordFile string `yaml:"password_file" json:"-"`

	// OpenWrt
	AuthFile         string `yaml:"auth_file" json:"auth_file,omitempty"`
	LeaseFile        string `yaml:"lease_file" json:"lease_file,omitempty"`
	RestartCommand   string `yaml:"restart_command" json:"restart_command,omitempty"`
	PrivateKeyFile   string `yaml:"private_key_file" json:"private_key_file,omitempty"`
	RADIUSSecret     string `yaml:"radius_secret" json:"-"`
	RADIUSSecretFile string `yaml:"radius_secret_file" json:"-"`
	RADIUSPort       int    `yaml:"radius_port" json:"radius_port,omitempty"`

	// UniFi
	BaseURL            string `yaml:"base_url" json:"base_url,omitempty"`
	Site               string `yaml:"site" json:"site,omitempty"`
	UniFiOS            bool   `yaml:"unifi_os" json:"unifi_os,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify,omitempty"`
}

// ConnectTimeout returns the configured timeout or DefaultTimeout.
func (c RouterConfig) ConnectTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// PollResult is one active client as reported by a router during a poll cycle.
type PollResult struct {
	MAC            string
	IP             string
	RouterUsername string
	Hostname       string
	RouterID       string
}

// AccountRequest asks a vendor for a credential capped at DeviceLimit
// simultaneous sessions. An empty Password lets the vendor generate one.
type AccountRequest struct {
	Username    string
	Password    string
	DeviceLimit int
	// Duration is the package lifetime; zero leaves the vendor default.
	Duration time.Duration
}

// Credentials are what the end user needs to log in.
type Credentials struct {
	Username string
	Password string
}

// Client is a router platform adapter bound to one configured router.
type Client interface {
	Platform() Platform
	RouterID() string
	// Connect opens a session, bounded by the router's connect timeout.
	Connect(ctx context.Context) (Session, error)
}

// Session is an open connection to a router.
type Session interface {
	// ListActiveClients returns the clients currently online. Zero clients
	// is an empty slice, not an error.
	ListActiveClients(ctx context.Context) ([]PollResult, error)
	// CreateBoundAccount creates a credential whose simultaneous-use cap is
	// req.DeviceLimit.
	CreateBoundAccount(ctx context.Context, req AccountRequest) (Credentials, error)
	// Close releases the transport. Safe to call more than once.
	Close() error
}
