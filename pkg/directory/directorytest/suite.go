// Package directorytest holds the behaviour every directory.Directory
// implementation must share. Store packages call Run from their tests.
package directorytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// Factory returns a fresh, empty directory for one subtest.
type Factory func(t *testing.T) directory.Directory

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Run exercises d against the directory contract.
func Run(t *testing.T, newDir Factory) {
	t.Run("UpsertCreates", func(t *testing.T) { testUpsertCreates(t, newDir(t)) })
	t.Run("UpsertTwiceCountsTwo", func(t *testing.T) { testUpsertTwice(t, newDir(t)) })
	t.Run("UpsertMergeKeepsUnsetFields", func(t *testing.T) { testUpsertMerge(t, newDir(t)) })
	t.Run("SameMACDifferentUsers", func(t *testing.T) { testSameMACDifferentUsers(t, newDir(t)) })
	t.Run("SetDeviceStatus", func(t *testing.T) { testSetDeviceStatus(t, newDir(t)) })
	t.Run("MarkDeviceOffline", func(t *testing.T) { testMarkDeviceOffline(t, newDir(t)) })
	t.Run("FindDeviceByIPMostRecent", func(t *testing.T) { testFindByIP(t, newDir(t)) })
	t.Run("ListDevices", func(t *testing.T) { testListDevices(t, newDir(t)) })
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newDir(t)) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, newDir(t)) })
}

func testUpsertCreates(t *testing.T, d directory.Directory) {
	ctx := context.Background()

	rec, err := d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF", directory.Observation{
		IPAddress: "10.0.0.5", DeviceName: "pixel", UserAgent: "Mozilla/5.0", RouterID: "lobby", SeenAt: base,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", rec.MACAddress)
	assert.Equal(t, int64(1), rec.ConnectionCount)
	assert.Equal(t, directory.StatusOnline, rec.Status)
	assert.True(t, rec.FirstSeen.Equal(base))
	assert.True(t, rec.LastSeen.Equal(base))

	got, err := d.GetDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.IPAddress)
	assert.Equal(t, "pixel", got.DeviceName)
	assert.Equal(t, "Mozilla/5.0", got.UserAgent)
	assert.Equal(t, "lobby", got.RouterID)

	_, err = d.GetDevice(ctx, "u1", "00:00:00:00:00:01")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func testUpsertTwice(t *testing.T, d directory.Directory) {
	ctx := context.Background()
	obs := directory.Observation{IPAddress: "10.0.0.5", RouterID: "lobby", SeenAt: base}

	_, err := d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF", obs)
	require.NoError(t, err)
	before, err := d.GetDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	_, err = d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF", obs)
	require.NoError(t, err)
	_, err = d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF", obs)
	require.NoError(t, err)

	after, err := d.GetDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, before.ConnectionCount+2, after.ConnectionCount)
	assert.Equal(t, before.MACAddress, after.MACAddress)
	assert.Equal(t, before.UserID, after.UserID)
	assert.True(t, after.FirstSeen.Equal(before.FirstSeen))
}

func testUpsertMerge(t *testing.T, d directory.Directory) {
	ctx := context.Background()

	_, err := d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:01", directory.Observation{
		IPAddress: "10.0.0.5", DeviceName: "pixel", UserAgent: "ua", RouterID: "lobby", SeenAt: base,
	})
	require.NoError(t, err)

	later := base.Add(time.Minute)
	rec, err := d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:01", directory.Observation{
		IPAddress: "10.0.0.9", RouterID: "roof", SeenAt: later,
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", rec.IPAddress)
	assert.Equal(t, "roof", rec.RouterID)
	assert.Equal(t, "pixel", rec.DeviceName)
	assert.Equal(t, "ua", rec.UserAgent)
	assert.True(t, rec.FirstSeen.Equal(base))
	assert.True(t, rec.LastSeen.Equal(later))

	_, err = d.FindDeviceByIP(ctx, "10.0.0.5")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func testSameMACDifferentUsers(t *testing.T, d directory.Directory) {
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:02"

	_, err := d.UpsertDevice(ctx, "u1", mac, directory.Observation{SeenAt: base})
	require.NoError(t, err)
	_, err = d.UpsertDevice(ctx, "u2", mac, directory.Observation{SeenAt: base})
	require.NoError(t, err)

	r1, err := d.GetDevice(ctx, "u1", mac)
	require.NoError(t, err)
	r2, err := d.GetDevice(ctx, "u2", mac)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.ConnectionCount)
	assert.Equal(t, int64(1), r2.ConnectionCount)
}

func testSetDeviceStatus(t *testing.T, d directory.Directory) {
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:FF"

	_, err := d.UpsertDevice(ctx, "u1", mac, directory.Observation{SeenAt: base})
	require.NoError(t, err)

	at := base.Add(5 * time.Minute)
	require.NoError(t, d.SetDeviceStatus(ctx, "u1", mac, directory.StatusOffline, at))

	rec, err := d.GetDevice(ctx, "u1", mac)
	require.NoError(t, err)
	assert.Equal(t, directory.StatusOffline, rec.Status)
	assert.Equal(t, int64(1), rec.ConnectionCount)
	assert.True(t, rec.LastSeen.Equal(at))

	err = d.SetDeviceStatus(ctx, "nobody", mac, directory.StatusOffline, at)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func testMarkDeviceOffline(t *testing.T, d directory.Directory) {
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:10"

	changed, err := d.MarkDeviceOffline(ctx, "nobody", mac, "lobby", base)
	require.NoError(t, err)
	assert.False(t, changed, "absent device")

	_, err = d.UpsertDevice(ctx, "u1", mac, directory.Observation{RouterID: "lobby", SeenAt: base})
	require.NoError(t, err)

	// Seen since on another router.
	moved := base.Add(2 * time.Minute)
	_, err = d.UpsertDevice(ctx, "u1", mac, directory.Observation{RouterID: "cafe", SeenAt: moved})
	require.NoError(t, err)
	changed, err = d.MarkDeviceOffline(ctx, "u1", mac, "lobby", base)
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := d.GetDevice(ctx, "u1", mac)
	require.NoError(t, err)
	assert.Equal(t, directory.StatusOnline, rec.Status)
	assert.Equal(t, "cafe", rec.RouterID)
	assert.True(t, rec.LastSeen.Equal(moved))

	// Same router, but seen after the sighting being expired.
	changed, err = d.MarkDeviceOffline(ctx, "u1", mac, "cafe", moved.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = d.MarkDeviceOffline(ctx, "u1", mac, "cafe", moved)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err = d.GetDevice(ctx, "u1", mac)
	require.NoError(t, err)
	assert.Equal(t, directory.StatusOffline, rec.Status)
	assert.True(t, rec.LastSeen.Equal(moved))
	assert.Equal(t, int64(2), rec.ConnectionCount)

	changed, err = d.MarkDeviceOffline(ctx, "u1", mac, "cafe", moved)
	require.NoError(t, err)
	assert.False(t, changed, "already offline")
}

func testFindByIP(t *testing.T, d directory.Directory) {
	ctx := context.Background()

	_, err := d.FindDeviceByIP(ctx, "10.0.0.77")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, err = d.UpsertDevice(ctx, "old", "AA:BB:CC:DD:EE:03", directory.Observation{IPAddress: "10.0.0.77", SeenAt: base})
	require.NoError(t, err)
	_, err = d.UpsertDevice(ctx, "new", "AA:BB:CC:DD:EE:04", directory.Observation{IPAddress: "10.0.0.77", SeenAt: base.Add(time.Hour)})
	require.NoError(t, err)

	rec, err := d.FindDeviceByIP(ctx, "10.0.0.77")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.UserID)
	assert.Equal(t, "AA:BB:CC:DD:EE:04", rec.MACAddress)
}

func testListDevices(t *testing.T, d directory.Directory) {
	ctx := context.Background()

	list, err := d.ListDevices(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:05", directory.Observation{SeenAt: base})
	require.NoError(t, err)
	_, err = d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:06", directory.Observation{SeenAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = d.UpsertDevice(ctx, "u2", "AA:BB:CC:DD:EE:07", directory.Observation{SeenAt: base})
	require.NoError(t, err)

	list, err = d.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:06", list[0].MACAddress)
	assert.Equal(t, "AA:BB:CC:DD:EE:05", list[1].MACAddress)
}

func testAccounts(t *testing.T, d directory.Directory) {
	ctx := context.Background()

	_, err := d.GetAccountByVendorUsername(ctx, "guest-1")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	acct := directory.RouterAccount{
		ID:             "acct-1",
		VendorUsername: "guest-1",
		VendorPassword: "pw123456",
		Platform:       platform.PlatformMikroTik,
		DeviceLimit:    3,
		AppUserID:      "u1",
		RouterID:       "lobby",
		PackageName:    "day-pass",
		CreatedAt:      base,
	}
	require.NoError(t, d.SaveAccount(ctx, acct))

	got, err := d.GetAccountByVendorUsername(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, "u1", got.AppUserID)
	assert.Equal(t, platform.PlatformMikroTik, got.Platform)
	assert.Equal(t, 3, got.DeviceLimit)
	assert.True(t, got.CreatedAt.Equal(base))

	assert.Error(t, d.SaveAccount(ctx, acct), "duplicate id")
}

func testConcurrentUpserts(t *testing.T, d directory.Directory) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:99", directory.Observation{SeenAt: base})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := d.GetDevice(ctx, "u1", "AA:BB:CC:DD:EE:99")
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.ConnectionCount)
}
