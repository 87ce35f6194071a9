package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/config"
	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/metrics"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
	"github.com/codelaboratoryltd/hotspotd/pkg/poller"
	"github.com/codelaboratoryltd/hotspotd/pkg/provision"
)

func TestResolvePackage(t *testing.T) {
	catalog := []directory.Package{{Name: "day-pass", DurationMinutes: 1440, DeviceLimit: 3}}

	pkg, err := resolvePackage(catalog, "day-pass", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, pkg.DeviceLimit)

	pkg, err = resolvePackage(catalog, "day-pass", 5, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, pkg.DeviceLimit)
	assert.Equal(t, 120, pkg.DurationMinutes)

	pkg, err = resolvePackage(nil, "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "cli", pkg.Name)

	_, err = resolvePackage(catalog, "gold", 0, 0)
	assert.ErrorIs(t, err, provision.ErrInvalidPackage)

	_, err = resolvePackage(nil, "", 0, 0)
	assert.ErrorIs(t, err, provision.ErrInvalidPackage)
}

func TestResolvePackage_Duration(t *testing.T) {
	catalog := []directory.Package{{Name: "day-pass", DurationMinutes: 1440, DeviceLimit: 3}}

	for _, d := range []time.Duration{30 * time.Second, time.Nanosecond, -time.Hour} {
		_, err := resolvePackage(catalog, "day-pass", 0, d)
		assert.ErrorIs(t, err, provision.ErrInvalidPackage, "duration %s", d)
	}

	pkg, err := resolvePackage(catalog, "day-pass", 0, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, pkg.DurationMinutes, "partial minutes round up")

	pkg, err = resolvePackage(catalog, "day-pass", 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, pkg.DurationMinutes)
}

func TestNewRegistry(t *testing.T) {
	reg := newRegistry()
	for _, p := range platform.KnownPlatforms {
		assert.True(t, reg.Supports(p), "platform %s", p)
	}
}

func TestOpenDirectory_Memory(t *testing.T) {
	dir, closeFn, err := openDirectory(context.Background(), config.DirectoryConfig{Driver: config.DriverMemory}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &directory.Memory{}, dir)
}

func TestOpenDirectory_SQLite(t *testing.T) {
	dir, closeFn, err := openDirectory(context.Background(),
		config.DirectoryConfig{Driver: config.DriverSQLite, DSN: t.TempDir() + "/hotspotd.db"}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	_, err = dir.UpsertDevice(context.Background(), "u1", "AA:BB:CC:DD:EE:FF", directory.Observation{SeenAt: time.Now()})
	assert.NoError(t, err)
}

func TestNewGuard_Local(t *testing.T) {
	g, closeFn, err := newGuard(context.Background(), config.GuardConfig{Type: config.GuardLocal}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &poller.LocalGuard{}, g)

	_, _, err = newGuard(context.Background(), config.GuardConfig{Type: config.GuardRedis, RedisURL: "not a url"}, zap.NewNop())
	assert.Error(t, err)
}

func TestMetricsMux(t *testing.T) {
	srv := httptest.NewServer(metricsMux(metrics.New(zap.NewNop())))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
