package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/identity"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform/platformtest"
	"github.com/codelaboratoryltd/hotspotd/pkg/poller"
	"github.com/codelaboratoryltd/hotspotd/pkg/presence"
	"github.com/codelaboratoryltd/hotspotd/pkg/provision"
)

type testEnv struct {
	srv    *httptest.Server
	dir    *directory.Memory
	lobby  *platformtest.Router
	attic  *platformtest.Router
	poller *poller.Poller
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	dir := directory.NewMemory()
	lobby := platformtest.NewRouter("lobby", platform.PlatformMikroTik)
	attic := platformtest.NewRouter("attic", platform.PlatformOpenWrt)
	fleet := platform.FleetOf(lobby, attic)

	pol := poller.New(poller.Config{Interval: time.Second}, fleet, dir, identity.NewResolver(dir, logger), logger)
	s := NewServer(cfg, dir, provision.New(fleet, dir, logger), pol, presence.NewTracker(dir, logger), logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, dir: dir, lobby: lobby, attic: attic, poller: pol}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{JWTSecret: "s3cret"})
	resp := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "healthz is not authenticated")
}

func TestConnectDisconnect(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/devices/connect", presence.ConnectRequest{
		UserID: "u1", MAC: "aa:bb:cc:dd:ee:ff", DeviceName: "phone", IPAddress: "10.0.0.4",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec directory.DeviceRecord
	decode(t, resp, &rec)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", rec.MACAddress)
	assert.EqualValues(t, 1, rec.ConnectionCount)

	resp = env.do(t, http.MethodPost, "/api/v1/devices/disconnect", disconnectRequest{UserID: "u1", MAC: "aa-bb-cc-dd-ee-ff"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &rec)
	assert.Equal(t, directory.StatusOffline, rec.Status)
	assert.EqualValues(t, 1, rec.ConnectionCount)

	resp = env.do(t, http.MethodGet, "/api/v1/users/u1/devices", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var devices []directory.DeviceRecord
	decode(t, resp, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, "phone", devices[0].DeviceName)
}

func TestConnectDisconnect_Errors(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/devices/connect", presence.ConnectRequest{MAC: "aa:bb:cc:dd:ee:ff"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/devices/disconnect", disconnectRequest{UserID: "u1", MAC: "aa:bb:cc:dd:ee:ff"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/users/nobody/devices", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var devices []directory.DeviceRecord
	decode(t, resp, &devices)
	assert.NotNil(t, devices)
	assert.Empty(t, devices)
}

func TestProvision(t *testing.T) {
	env := newTestEnv(t, Config{Packages: []directory.Package{
		{Name: "family", Price: 12, DurationMinutes: 10080, DeviceLimit: 5},
	}})

	resp := env.do(t, http.MethodPost, "/api/v1/provision", ProvisionRequest{
		UserID: "u1", RouterType: "mikrotik", PackageName: "family",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out ProvisionResponse
	decode(t, resp, &out)
	assert.Equal(t, platform.PlatformMikroTik, out.Platform)
	assert.Equal(t, "lobby", out.RouterID)
	assert.Equal(t, 5, out.DeviceLimit)
	assert.NotEmpty(t, out.Username)
	assert.NotEmpty(t, out.Password)

	require.Len(t, env.lobby.Created(), 1)
	assert.Equal(t, 5, env.lobby.Created()[0].DeviceLimit)

	acct, err := env.dir.GetAccountByVendorUsername(context.Background(), out.Username)
	require.NoError(t, err)
	assert.Equal(t, "u1", acct.AppUserID)
}

func TestProvision_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, Config{})
	inline := &directory.Package{Name: "hour", DurationMinutes: 60, DeviceLimit: 1}

	tests := []struct {
		name   string
		req    ProvisionRequest
		setup  func()
		status int
	}{
		{"unknown vendor", ProvisionRequest{UserID: "u1", RouterType: "cisco", Package: inline}, nil, http.StatusBadRequest},
		{"unconfigured vendor", ProvisionRequest{UserID: "u1", RouterType: "unifi", Package: inline}, nil, http.StatusBadRequest},
		{"unknown package", ProvisionRequest{UserID: "u1", RouterType: "mikrotik", PackageName: "gold"}, nil, http.StatusBadRequest},
		{"zero device limit", ProvisionRequest{UserID: "u1", RouterType: "mikrotik", Package: &directory.Package{Name: "x"}}, nil, http.StatusBadRequest},
		{"missing user", ProvisionRequest{RouterType: "mikrotik", Package: inline}, nil, http.StatusBadRequest},
		{"vendor failure", ProvisionRequest{UserID: "u1", RouterType: "openwrt", Package: inline},
			func() { env.attic.FailConnect(errors.New("ssh: handshake failed")) }, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			resp := env.do(t, http.MethodPost, "/api/v1/provision", tt.req, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]string
			decode(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRoutersAndPoll(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.dir.SaveAccount(context.Background(), directory.RouterAccount{
		ID: "a1", VendorUsername: "hs-u1", AppUserID: "u1", Platform: platform.PlatformMikroTik, DeviceLimit: 2,
	}))
	env.lobby.SetActive(platform.PollResult{MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.2", RouterUsername: "hs-u1"})

	resp := env.do(t, http.MethodPost, "/api/v1/routers/lobby/poll", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res poller.CycleResult
	decode(t, resp, &res)
	assert.Equal(t, 1, res.Upserted)

	env.attic.FailList(errors.New("cat: can't open '/tmp/dhcp.leases'"))
	resp = env.do(t, http.MethodPost, "/api/v1/routers/attic/poll", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &res)
	assert.Contains(t, res.Error, "dhcp.leases")

	resp = env.do(t, http.MethodPost, "/api/v1/routers/nowhere/poll", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/routers", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status []poller.RouterStatus
	decode(t, resp, &status)
	require.Len(t, status, 2)
	assert.Equal(t, "attic", status[0].RouterID)
	assert.Equal(t, "lobby", status[1].RouterID)
	assert.True(t, status[1].Health.Healthy)
}

func TestPoll_InFlightConflict(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.lobby.Block()
	t.Cleanup(env.lobby.Release)

	go func() { _, _ = env.poller.PollOnce(context.Background(), "lobby") }()
	require.Eventually(t, func() bool { return env.lobby.Connects() == 1 }, time.Second, 5*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/api/v1/routers/lobby/poll", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, Config{JWTSecret: "s3cret"})

	resp := env.do(t, http.MethodGet, "/api/v1/routers", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/routers", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrong, err := NewTokenAuth("other").Issue("portal", time.Hour)
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/api/v1/routers", nil, wrong)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := NewTokenAuth("s3cret").Issue("portal", time.Hour)
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/api/v1/routers", nil, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenAuth_Expiry(t *testing.T) {
	a := NewTokenAuth("s3cret")
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := a.Issue("portal", time.Hour)
	require.NoError(t, err)

	a.now = time.Now
	_, err = a.Validate(token)
	assert.Error(t, err)

	assert.Nil(t, NewTokenAuth(""), "empty secret disables auth")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"https://dashboard.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/routers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "https://dashboard.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(Config{Listen: "127.0.0.1:0"}, directory.NewMemory(), nil, nil, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
