// Package unifi adapts a UniFi Network controller. Bound accounts are hotspot
// vouchers whose quota is the device limit; active clients come from
// stat/sta.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

const (
	DefaultSite = "default"

	// DefaultVoucherExpire applies when the package has no duration.
	DefaultVoucherExpire = 24 * time.Hour
)

// Client talks to one UniFi controller site.
type Client struct {
	cfg       platform.RouterConfig
	baseURL   string
	transport http.RoundTripper
	logger    *zap.Logger
}

// New creates a controller client. cfg.BaseURL wins over Host/Port.
func New(cfg platform.RouterConfig, logger *zap.Logger) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.Host == "" {
			return nil, fmt.Errorf("unifi: base_url or host required")
		}
		port := cfg.Port
		if port == 0 {
			port = 8443
			if cfg.UniFiOS {
				port = 443
			}
		}
		baseURL = fmt.Sprintf("https://%s:%d", cfg.Host, port)
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("unifi: username required")
	}
	if cfg.Site == "" {
		cfg.Site = DefaultSite
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // self-signed controller certs
	}

	return &Client{
		cfg:       cfg,
		baseURL:   baseURL,
		transport: transport,
		logger:    logger,
	}, nil
}

// Factory registers this adapter in a platform.Registry.
func Factory(cfg platform.RouterConfig, logger *zap.Logger) (platform.Client, error) {
	return New(cfg, logger)
}

// Platform implements platform.Client.
func (c *Client) Platform() platform.Platform { return platform.PlatformUniFi }

// RouterID implements platform.Client.
func (c *Client) RouterID() string { return c.cfg.ID }

func (c *Client) loginPath() string {
	if c.cfg.UniFiOS {
		return "/api/auth/login"
	}
	return "/api/login"
}

func (c *Client) logoutPath() string {
	if c.cfg.UniFiOS {
		return "/api/auth/logout"
	}
	return "/api/logout"
}

func (c *Client) sitePrefix() string {
	if c.cfg.UniFiOS {
		return "/proxy/network/api/s/" + c.cfg.Site
	}
	return "/api/s/" + c.cfg.Site
}

// Connect logs in and keeps the session cookie for the returned session.
func (c *Client) Connect(ctx context.Context) (platform.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, platform.ConnectError(platform.PlatformUniFi, c.cfg.ID, err)
	}
	s := &session{
		client: c,
		http: &http.Client{
			Jar:       jar,
			Transport: c.transport,
			Timeout:   c.cfg.ConnectTimeout(),
		},
	}

	body := map[string]any{"username": c.cfg.Username, "password": c.cfg.Password, "remember": false}
	if _, err := s.call(ctx, http.MethodPost, c.loginPath(), body); err != nil {
		return nil, platform.ConnectError(platform.PlatformUniFi, c.cfg.ID, fmt.Errorf("login: %w", err))
	}
	c.logger.Debug("UniFi controller session opened", zap.String("base_url", c.baseURL))
	return s, nil
}

type session struct {
	client    *Client
	http      *http.Client
	csrfToken string
	closed    bool
}

// envelope is the controller's standard response wrapper.
type envelope struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type station struct {
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Hostname   string `json:"hostname"`
	Name       string `json:"name"`
	Identity1x string `json:"1x_identity"`
}

// ListActiveClients reads stat/sta for the configured site.
func (s *session) ListActiveClients(ctx context.Context) ([]platform.PollResult, error) {
	data, err := s.call(ctx, http.MethodGet, s.client.sitePrefix()+"/stat/sta", nil)
	if err != nil {
		return nil, platform.CommandError(platform.PlatformUniFi, s.client.cfg.ID, "list stations", err)
	}

	var stations []station
	if len(data) > 0 {
		if err := json.Unmarshal(data, &stations); err != nil {
			return nil, platform.CommandError(platform.PlatformUniFi, s.client.cfg.ID, "list stations", err)
		}
	}

	results := make([]platform.PollResult, 0, len(stations))
	for _, st := range stations {
		mac, err := macaddr.Canonicalize(st.MAC)
		if err != nil {
			continue
		}
		name := st.Name
		if name == "" {
			name = st.Hostname
		}
		results = append(results, platform.PollResult{
			MAC:            mac,
			IP:             st.IP,
			RouterUsername: st.Identity1x,
			Hostname:       name,
			RouterID:       s.client.cfg.ID,
		})
	}
	return results, nil
}

type voucher struct {
	Code       string `json:"code"`
	CreateTime int64  `json:"create_time"`
	Quota      int    `json:"quota"`
	Note       string `json:"note"`
}

// CreateBoundAccount creates one voucher usable by DeviceLimit devices. The
// voucher code is the password; the requested username is stored as the
// voucher note so the code can be traced back.
func (s *session) CreateBoundAccount(ctx context.Context, req platform.AccountRequest) (platform.Credentials, error) {
	const op = "create voucher"
	id := s.client.cfg.ID

	if req.DeviceLimit < 1 {
		return platform.Credentials{}, platform.CommandError(platform.PlatformUniFi, id, op,
			fmt.Errorf("device limit must be at least 1, got %d", req.DeviceLimit))
	}
	expire := req.Duration
	if expire <= 0 {
		expire = DefaultVoucherExpire
	}

	data, err := s.call(ctx, http.MethodPost, s.client.sitePrefix()+"/cmd/hotspot", map[string]any{
		"cmd":    "create-voucher",
		"n":      1,
		"quota":  req.DeviceLimit,
		"expire": int(expire / time.Minute),
		"note":   req.Username,
	})
	if err != nil {
		return platform.Credentials{}, platform.CommandError(platform.PlatformUniFi, id, op, err)
	}

	var created []voucher
	if err := json.Unmarshal(data, &created); err != nil || len(created) == 0 {
		return platform.Credentials{}, platform.CommandError(platform.PlatformUniFi, id, op,
			fmt.Errorf("controller returned no create_time"))
	}

	data, err = s.call(ctx, http.MethodPost, s.client.sitePrefix()+"/stat/voucher", map[string]any{
		"create_time": created[0].CreateTime,
	})
	if err != nil {
		return platform.Credentials{}, platform.CommandError(platform.PlatformUniFi, id, "fetch voucher", err)
	}
	var vouchers []voucher
	if err := json.Unmarshal(data, &vouchers); err != nil {
		return platform.Credentials{}, platform.CommandError(platform.PlatformUniFi, id, "fetch voucher", err)
	}
	for _, v := range vouchers {
		if v.Note == req.Username && v.Code != "" {
			s.client.logger.Info("Created UniFi voucher",
				zap.String("username", req.Username),
				zap.Int("quota", req.DeviceLimit),
			)
			return platform.Credentials{Username: req.Username, Password: v.Code}, nil
		}
	}
	return platform.Credentials{}, platform.CommandError(platform.PlatformUniFi, id, "fetch voucher",
		fmt.Errorf("voucher created at %d not found", created[0].CreateTime))
}

// Close logs out. Logout failures are logged, not returned.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), s.client.cfg.ConnectTimeout())
	defer cancel()
	if _, err := s.call(ctx, http.MethodPost, s.client.logoutPath(), nil); err != nil {
		s.client.logger.Debug("UniFi logout failed", zap.Error(err))
	}
	s.http.CloseIdleConnections()
	return nil
}

// call performs one JSON request and unwraps the response envelope.
func (s *session) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, s.client.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if s.csrfToken != "" {
		httpReq.Header.Set("X-CSRF-Token", s.csrfToken)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if tok := resp.Header.Get("X-CSRF-Token"); tok != "" {
		s.csrfToken = tok
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	// UniFi OS login returns a bare user object with no meta.
	if env.Meta.RC != "" && env.Meta.RC != "ok" {
		return nil, fmt.Errorf("controller error: %s", env.Meta.Msg)
	}
	return env.Data, nil
}
