package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/directory/directorytest"
)

func TestSQLite(t *testing.T) {
	directorytest.Run(t, func(t *testing.T) directory.Directory {
		s, err := Open(context.Background(), DriverSQLite, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestPostgres runs against a real server when HOTSPOTD_TEST_POSTGRES_DSN is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("HOTSPOTD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOTSPOTD_TEST_POSTGRES_DSN not set")
	}
	directorytest.Run(t, func(t *testing.T) directory.Directory {
		s, err := Open(context.Background(), DriverPostgres, dsn)
		require.NoError(t, err)
		_, err = s.db.Exec(`TRUNCATE devices, router_accounts`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen_FileCreatesDirAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hotspotd.db")
	ctx := context.Background()

	s, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	_, err = s.UpsertDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF", directory.Observation{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetDevice(ctx, "u1", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ConnectionCount)
	assert.True(t, rec.FirstSeen.IsZero())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "WHERE b = ?", lite.rebind("WHERE b = ?"))
}
