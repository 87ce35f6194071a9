package unifi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

type fakeController struct {
	mu          sync.Mutex
	prefix      string
	password    string
	stations    []map[string]any
	hotspotCmds []map[string]any
	logouts     int
	failSta     bool
}

func (f *fakeController) handler() http.Handler {
	mux := http.NewServeMux()

	writeOK := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]string{"rc": "ok"},
			"data": data,
		})
	}
	authed := func(w http.ResponseWriter, r *http.Request) bool {
		if c, err := r.Cookie("unifises"); err != nil || c.Value != "sess-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return false
		}
		return true
	}

	loginPath, logoutPath := "/api/login", "/api/logout"
	if f.prefix != "" {
		loginPath, logoutPath = "/api/auth/login", "/api/auth/logout"
	}

	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "admin" || body["password"] != f.password {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]string{"rc": "error", "msg": "api.err.Invalid"}})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "sess-1", Path: "/"})
		writeOK(w, []any{})
	})
	mux.HandleFunc(logoutPath, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logouts++
		f.mu.Unlock()
		writeOK(w, []any{})
	})
	mux.HandleFunc(f.prefix+"/api/s/default/stat/sta", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		if f.failSta {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]string{"rc": "error", "msg": "api.err.NoSiteContext"}})
			return
		}
		writeOK(w, f.stations)
	})
	mux.HandleFunc(f.prefix+"/api/s/default/cmd/hotspot", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.hotspotCmds = append(f.hotspotCmds, body)
		f.mu.Unlock()
		writeOK(w, []map[string]any{{"create_time": 1690000000}})
	})
	mux.HandleFunc(f.prefix+"/api/s/default/stat/voucher", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		f.mu.Lock()
		note := f.hotspotCmds[len(f.hotspotCmds)-1]["note"]
		quota := f.hotspotCmds[len(f.hotspotCmds)-1]["quota"]
		f.mu.Unlock()
		writeOK(w, []map[string]any{
			{"code": "0000011111", "create_time": 1690000000, "quota": 1, "note": "someone-else"},
			{"code": "1234567890", "create_time": 1690000000, "quota": quota, "note": note},
		})
	})
	return mux
}

func newTestClient(t *testing.T, fc *fakeController, unifiOS bool) *Client {
	t.Helper()
	srv := httptest.NewServer(fc.handler())
	t.Cleanup(srv.Close)

	c, err := New(platform.RouterConfig{
		ID:       "cafe",
		Platform: platform.PlatformUniFi,
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "ctrlpass",
		UniFiOS:  unifiOS,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCreateBoundAccount_VoucherQuota(t *testing.T) {
	fc := &fakeController{password: "ctrlpass"}
	c := newTestClient(t, fc, false)

	var creds platform.Credentials
	err := platform.WithSession(context.Background(), c, func(s platform.Session) error {
		var err error
		creds, err = s.CreateBoundAccount(context.Background(), platform.AccountRequest{
			Username:    "guest-5",
			DeviceLimit: 3,
			Duration:    2 * time.Hour,
		})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, "guest-5", creds.Username)
	assert.Equal(t, "1234567890", creds.Password)

	require.Len(t, fc.hotspotCmds, 1)
	cmd := fc.hotspotCmds[0]
	assert.Equal(t, "create-voucher", cmd["cmd"])
	assert.EqualValues(t, 3, cmd["quota"])
	assert.EqualValues(t, 1, cmd["n"])
	assert.EqualValues(t, 120, cmd["expire"])
	assert.Equal(t, 1, fc.logouts)
}

func TestCreateBoundAccount_DefaultExpire(t *testing.T) {
	fc := &fakeController{password: "ctrlpass"}
	c := newTestClient(t, fc, false)

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateBoundAccount(context.Background(), platform.AccountRequest{Username: "guest-6", DeviceLimit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1440, fc.hotspotCmds[0]["expire"])

	_, err = s.CreateBoundAccount(context.Background(), platform.AccountRequest{Username: "guest-7", DeviceLimit: 0})
	assert.ErrorIs(t, err, platform.ErrCommand)
}

func TestListActiveClients(t *testing.T) {
	fc := &fakeController{
		prefix:   "/proxy/network",
		password: "ctrlpass",
		stations: []map[string]any{
			{"mac": "aa:bb:cc:dd:ee:10", "ip": "10.0.8.20", "hostname": "iphone"},
			{"mac": "aa:bb:cc:dd:ee:11", "ip": "10.0.8.21", "hostname": "host", "name": "Front desk", "1x_identity": "staff-1"},
			{"mac": "bogus", "ip": "10.0.8.22"},
		},
	}
	c := newTestClient(t, fc, true)

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	results, err := s.ListActiveClients(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, platform.PollResult{MAC: "AA:BB:CC:DD:EE:10", IP: "10.0.8.20", Hostname: "iphone", RouterID: "cafe"}, results[0])
	assert.Equal(t, "Front desk", results[1].Hostname)
	assert.Equal(t, "staff-1", results[1].RouterUsername)
}

func TestListActiveClients_Empty(t *testing.T) {
	fc := &fakeController{password: "ctrlpass"}
	c := newTestClient(t, fc, false)

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	results, err := s.ListActiveClients(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestListActiveClients_ControllerError(t *testing.T) {
	fc := &fakeController{password: "ctrlpass", failSta: true}
	c := newTestClient(t, fc, false)

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListActiveClients(context.Background())
	assert.ErrorIs(t, err, platform.ErrCommand)
	assert.Contains(t, err.Error(), "api.err.NoSiteContext")
}

func TestConnect_BadCredentials(t *testing.T) {
	fc := &fakeController{password: "other"}
	c := newTestClient(t, fc, false)

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, platform.ErrConnect)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(platform.RouterConfig{ID: "x", Username: "admin"}, zap.NewNop())
	assert.Error(t, err)

	c, err := New(platform.RouterConfig{ID: "x", Host: "unifi.local", Username: "admin", UniFiOS: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "https://unifi.local:443", c.baseURL)
	assert.Equal(t, "/proxy/network/api/s/default", c.sitePrefix())
}
