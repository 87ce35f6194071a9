// Package openwrt adapts OpenWrt routers running FreeRADIUS and dnsmasq.
// Accounts are provisioned by appending to the FreeRADIUS authorize file over
// SSH; active clients are read from the dnsmasq lease table.
package openwrt

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

const (
	DefaultPort           = 22
	DefaultAuthFile       = "/etc/freeradius3/mods-config/files/authorize"
	DefaultLeaseFile      = "/tmp/dhcp.leases"
	DefaultRestartCommand = "/etc/init.d/radiusd restart"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._@+-]{1,64}$`)

// Client talks to one OpenWrt router.
type Client struct {
	cfg       platform.RouterConfig
	addr      string
	sshConfig *ssh.ClientConfig
	dial      dialFunc
	verifier  *radiusVerifier
	logger    *zap.Logger
}

// New creates an OpenWrt client. Password and/or private key auth is taken
// from cfg; at least one is required.
func New(cfg platform.RouterConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("openwrt: host required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Username == "" {
		cfg.Username = "root"
	}
	if cfg.AuthFile == "" {
		cfg.AuthFile = DefaultAuthFile
	}
	if cfg.LeaseFile == "" {
		cfg.LeaseFile = DefaultLeaseFile
	}
	if cfg.RestartCommand == "" {
		cfg.RestartCommand = DefaultRestartCommand
	}

	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("openwrt: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("openwrt: parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("openwrt: password or private_key_file required")
	}

	c := &Client{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		sshConfig: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // routers regenerate host keys on reflash
			Timeout:         cfg.ConnectTimeout(),
		},
		dial:   dialSSH,
		logger: logger,
	}
	if cfg.RADIUSSecret != "" {
		c.verifier = newRADIUSVerifier(cfg, logger)
	}
	return c, nil
}

// Factory registers this adapter in a platform.Registry.
func Factory(cfg platform.RouterConfig, logger *zap.Logger) (platform.Client, error) {
	return New(cfg, logger)
}

// Platform implements platform.Client.
func (c *Client) Platform() platform.Platform { return platform.PlatformOpenWrt }

// RouterID implements platform.Client.
func (c *Client) RouterID() string { return c.cfg.ID }

// Connect opens the SSH connection. Commands issued through the returned
// session share it.
func (c *Client) Connect(ctx context.Context) (platform.Session, error) {
	r, err := c.dial(ctx, c.addr, c.sshConfig)
	if err != nil {
		return nil, platform.ConnectError(platform.PlatformOpenWrt, c.cfg.ID, err)
	}
	c.logger.Debug("SSH connection opened", zap.String("addr", c.addr))
	return &session{client: c, remote: r}, nil
}

type session struct {
	client *Client
	remote remote
	closed bool
}

// ListActiveClients reads the dnsmasq lease table.
func (s *session) ListActiveClients(ctx context.Context) ([]platform.PollResult, error) {
	out, err := s.remote.Run(ctx, "cat "+shellQuote(s.client.cfg.LeaseFile))
	if err != nil {
		return nil, platform.CommandError(platform.PlatformOpenWrt, s.client.cfg.ID, "read lease table", err)
	}
	return ParseLeases(out, s.client.cfg.ID, s.client.logger), nil
}

// CreateBoundAccount appends a FreeRADIUS user with Simultaneous-Use set to
// the device limit, then restarts radiusd. Both commands run on the same
// connection and each completes before the next starts.
func (s *session) CreateBoundAccount(ctx context.Context, req platform.AccountRequest) (platform.Credentials, error) {
	const op = "append authorize entry"
	id := s.client.cfg.ID

	if !usernamePattern.MatchString(req.Username) {
		return platform.Credentials{}, platform.CommandError(platform.PlatformOpenWrt, id, op,
			fmt.Errorf("username %q not allowed in authorize file", req.Username))
	}
	if req.DeviceLimit < 1 {
		return platform.Credentials{}, platform.CommandError(platform.PlatformOpenWrt, id, op,
			fmt.Errorf("device limit must be at least 1, got %d", req.DeviceLimit))
	}
	password, err := platform.PasswordOrGenerate(req.Password)
	if err != nil {
		return platform.Credentials{}, err
	}
	if strings.ContainsAny(password, "\"\\'\n\r") {
		return platform.Credentials{}, platform.CommandError(platform.PlatformOpenWrt, id, op,
			fmt.Errorf("password contains characters the authorize file cannot hold"))
	}

	line := AuthorizeLine(req.Username, password, req.DeviceLimit)
	appendCmd := "echo " + shellQuote(line) + " >> " + shellQuote(s.client.cfg.AuthFile)
	if _, err := s.remote.Run(ctx, appendCmd); err != nil {
		return platform.Credentials{}, platform.CommandError(platform.PlatformOpenWrt, id, op, err)
	}

	if _, err := s.remote.Run(ctx, s.client.cfg.RestartCommand); err != nil {
		return platform.Credentials{}, platform.CommandError(platform.PlatformOpenWrt, id, "restart radius", err)
	}

	if v := s.client.verifier; v != nil {
		if err := v.Verify(ctx, req.Username, password); err != nil {
			return platform.Credentials{}, platform.CommandError(platform.PlatformOpenWrt, id, "verify account", err)
		}
	}

	s.client.logger.Info("Appended FreeRADIUS user",
		zap.String("username", req.Username),
		zap.Int("simultaneous_use", req.DeviceLimit),
		zap.String("auth_file", s.client.cfg.AuthFile),
	)
	return platform.Credentials{Username: req.Username, Password: password}, nil
}

// Close closes the SSH connection.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.remote.Close()
}

// AuthorizeLine renders one FreeRADIUS users-file entry.
func AuthorizeLine(username, password string, limit int) string {
	return fmt.Sprintf(`%s Cleartext-Password := "%s", Simultaneous-Use := "%d"`, username, password, limit)
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// handshakeGrace is added to the connect timeout for the SSH handshake itself.
const handshakeGrace = 2 * time.Second
