// Package routeros adapts MikroTik RouterOS hotspot routers through the
// RouterOS API protocol.
package routeros

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	ros "github.com/go-routeros/routeros/v3"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// DefaultPort is the plaintext RouterOS API port.
const DefaultPort = 8728

const (
	cmdUserAdd     = "/ip/hotspot/user/add"
	cmdActivePrint = "/ip/hotspot/active/print"
)

// apiConn is the part of the RouterOS client this package uses.
type apiConn interface {
	Run(sentence ...string) (*ros.Reply, error)
	Close() error
}

type dialFunc func(ctx context.Context, address, username, password string, timeout time.Duration) (apiConn, error)

// Client talks to one RouterOS router.
type Client struct {
	cfg    platform.RouterConfig
	addr   string
	dial   dialFunc
	logger *zap.Logger
}

// New creates a RouterOS client. No connection is made until Connect.
func New(cfg platform.RouterConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("routeros: host required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("routeros: username required")
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	return &Client{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		dial:   dialAPI,
		logger: logger,
	}, nil
}

// Factory registers this adapter in a platform.Registry.
func Factory(cfg platform.RouterConfig, logger *zap.Logger) (platform.Client, error) {
	return New(cfg, logger)
}

// Platform implements platform.Client.
func (c *Client) Platform() platform.Platform { return platform.PlatformMikroTik }

// RouterID implements platform.Client.
func (c *Client) RouterID() string { return c.cfg.ID }

// Connect logs in to the router API.
func (c *Client) Connect(ctx context.Context) (platform.Session, error) {
	conn, err := c.dial(ctx, c.addr, c.cfg.Username, c.cfg.Password, c.cfg.ConnectTimeout())
	if err != nil {
		return nil, platform.ConnectError(platform.PlatformMikroTik, c.cfg.ID, err)
	}
	c.logger.Debug("RouterOS API session opened", zap.String("addr", c.addr))
	return &session{client: c, conn: conn}, nil
}

type session struct {
	client *Client
	conn   apiConn
	closed bool
}

// ListActiveClients prints the hotspot active table.
func (s *session) ListActiveClients(ctx context.Context) ([]platform.PollResult, error) {
	reply, err := s.run(ctx, "list active", cmdActivePrint)
	if err != nil {
		return nil, err
	}

	results := make([]platform.PollResult, 0, len(reply.Re))
	for _, re := range reply.Re {
		row := re.Map
		mac, err := macaddr.Canonicalize(row["mac-address"])
		if err != nil {
			s.client.logger.Debug("Skipping active row with unusable MAC",
				zap.String("mac", row["mac-address"]),
				zap.String("user", row["user"]),
			)
			continue
		}
		results = append(results, platform.PollResult{
			MAC:            mac,
			IP:             row["address"],
			RouterUsername: row["user"],
			Hostname:       row["host-name"],
			RouterID:       s.client.cfg.ID,
		})
	}
	return results, nil
}

// CreateBoundAccount adds a hotspot user limited to req.DeviceLimit
// concurrent logins via shared-users.
func (s *session) CreateBoundAccount(ctx context.Context, req platform.AccountRequest) (platform.Credentials, error) {
	if req.Username == "" {
		return platform.Credentials{}, platform.CommandError(platform.PlatformMikroTik, s.client.cfg.ID, "add hotspot user",
			fmt.Errorf("username required"))
	}
	if req.DeviceLimit < 1 {
		return platform.Credentials{}, platform.CommandError(platform.PlatformMikroTik, s.client.cfg.ID, "add hotspot user",
			fmt.Errorf("device limit must be at least 1, got %d", req.DeviceLimit))
	}
	password, err := platform.PasswordOrGenerate(req.Password)
	if err != nil {
		return platform.Credentials{}, err
	}

	sentence := []string{
		cmdUserAdd,
		"=name=" + req.Username,
		"=password=" + password,
		"=shared-users=" + strconv.Itoa(req.DeviceLimit),
	}
	if req.Duration > 0 {
		sentence = append(sentence, "=limit-uptime="+formatUptime(req.Duration))
	}

	if _, err := s.run(ctx, "add hotspot user", sentence...); err != nil {
		return platform.Credentials{}, err
	}

	s.client.logger.Info("Created RouterOS hotspot user",
		zap.String("username", req.Username),
		zap.Int("shared_users", req.DeviceLimit),
	)
	return platform.Credentials{Username: req.Username, Password: password}, nil
}

// Close ends the API session.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// run executes one API sentence. The RouterOS client has no context support,
// so cancellation closes the connection to unblock the pending read.
func (s *session) run(ctx context.Context, op string, sentence ...string) (*ros.Reply, error) {
	type result struct {
		reply *ros.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := s.conn.Run(sentence...)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, platform.CommandError(platform.PlatformMikroTik, s.client.cfg.ID, op, r.err)
		}
		return r.reply, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, platform.CommandError(platform.PlatformMikroTik, s.client.cfg.ID, op, ctx.Err())
	}
}

// formatUptime renders d in RouterOS time syntax, e.g. 1d2h30m.
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	var b strings.Builder
	if days := d / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= days * 24 * time.Hour
	}
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dh", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dm", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}

// rosConn adapts *ros.Client to apiConn.
type rosConn struct {
	c *ros.Client
}

func (r rosConn) Run(sentence ...string) (*ros.Reply, error) {
	return r.c.Run(sentence...)
}

func (r rosConn) Close() error {
	r.c.Close()
	return nil
}

func dialAPI(ctx context.Context, address, username, password string, timeout time.Duration) (apiConn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	c, err := ros.DialTimeout(address, username, password, timeout)
	if err != nil {
		return nil, err
	}
	return rosConn{c: c}, nil
}
