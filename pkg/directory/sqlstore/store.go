// Package sqlstore implements directory.Directory on database/sql. The same
// statements run on SQLite (modernc.org/sqlite, single node) and PostgreSQL
// (lib/pq, shared by several replicas).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a SQL-backed directory. Timestamps are stored as Unix nanoseconds
// so both dialects compare and sort them the same way.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects, pings and migrates.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer; also keeps a :memory: database on a single connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT NOT NULL,
			mac_address TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			router_id TEXT NOT NULL DEFAULT '',
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			connection_count BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			PRIMARY KEY (user_id, mac_address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_ip_address ON devices(ip_address)`,
		`CREATE TABLE IF NOT EXISTS router_accounts (
			id TEXT PRIMARY KEY,
			vendor_username TEXT NOT NULL,
			vendor_password TEXT NOT NULL,
			platform TEXT NOT NULL,
			device_limit INTEGER NOT NULL,
			app_user_id TEXT NOT NULL,
			router_id TEXT NOT NULL,
			package_name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_router_accounts_vendor_username ON router_accounts(vendor_username)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const deviceColumns = `user_id, mac_address, device_name, user_agent, ip_address, router_id,
	first_seen, last_seen, connection_count, status`

const upsertDevice = `
	INSERT INTO devices (` + deviceColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'online')
	ON CONFLICT (user_id, mac_address) DO UPDATE SET
		device_name = CASE WHEN excluded.device_name <> '' THEN excluded.device_name ELSE devices.device_name END,
		user_agent = CASE WHEN excluded.user_agent <> '' THEN excluded.user_agent ELSE devices.user_agent END,
		ip_address = CASE WHEN excluded.ip_address <> '' THEN excluded.ip_address ELSE devices.ip_address END,
		router_id = CASE WHEN excluded.router_id <> '' THEN excluded.router_id ELSE devices.router_id END,
		last_seen = excluded.last_seen,
		connection_count = devices.connection_count + 1,
		status = 'online'
	RETURNING ` + deviceColumns

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (directory.DeviceRecord, error) {
	var (
		rec                 directory.DeviceRecord
		firstSeen, lastSeen int64
		status              string
	)
	err := row.Scan(&rec.UserID, &rec.MACAddress, &rec.DeviceName, &rec.UserAgent, &rec.IPAddress, &rec.RouterID,
		&firstSeen, &lastSeen, &rec.ConnectionCount, &status)
	if err != nil {
		return directory.DeviceRecord{}, err
	}
	rec.FirstSeen = fromNanos(firstSeen)
	rec.LastSeen = fromNanos(lastSeen)
	rec.Status = directory.Status(status)
	return rec, nil
}

// UpsertDevice implements directory.Directory as one INSERT ... ON CONFLICT
// statement; the counter increment happens in the database.
func (s *Store) UpsertDevice(ctx context.Context, userID, mac string, obs directory.Observation) (directory.DeviceRecord, error) {
	if userID == "" || mac == "" {
		return directory.DeviceRecord{}, fmt.Errorf("user id and mac required")
	}
	seen := toNanos(obs.SeenAt)
	row := s.db.QueryRowContext(ctx, s.rebind(upsertDevice),
		userID, mac, obs.DeviceName, obs.UserAgent, obs.IPAddress, obs.RouterID, seen, seen)
	rec, err := scanDevice(row)
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("failed to upsert device: %w", err)
	}
	return rec, nil
}

// SetDeviceStatus implements directory.Directory.
func (s *Store) SetDeviceStatus(ctx context.Context, userID, mac string, status directory.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE devices SET status = ?, last_seen = ? WHERE user_id = ? AND mac_address = ?`),
		string(status), toNanos(at), userID, mac)
	if err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return directory.ErrNotFound
	}
	return nil
}

// MarkDeviceOffline implements directory.Directory.
func (s *Store) MarkDeviceOffline(ctx context.Context, userID, mac, routerID string, seenAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE devices SET status = ?, last_seen = ?
		WHERE user_id = ? AND mac_address = ? AND status = ? AND router_id = ? AND last_seen <= ?`),
		string(directory.StatusOffline), toNanos(seenAt), userID, mac,
		string(directory.StatusOnline), routerID, toNanos(seenAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDevice implements directory.Directory.
func (s *Store) GetDevice(ctx context.Context, userID, mac string) (directory.DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE user_id = ? AND mac_address = ?`),
		userID, mac)
	rec, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.DeviceRecord{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("failed to get device: %w", err)
	}
	return rec, nil
}

// ListDevices implements directory.Directory.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]directory.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE user_id = ? ORDER BY last_seen DESC, mac_address`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	out := make([]directory.DeviceRecord, 0)
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindDeviceByIP implements directory.Directory.
func (s *Store) FindDeviceByIP(ctx context.Context, ip string) (directory.DeviceRecord, error) {
	if ip == "" {
		return directory.DeviceRecord{}, directory.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE ip_address = ? ORDER BY last_seen DESC LIMIT 1`),
		ip)
	rec, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.DeviceRecord{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.DeviceRecord{}, fmt.Errorf("failed to find device by IP: %w", err)
	}
	return rec, nil
}

// SaveAccount implements directory.Directory.
func (s *Store) SaveAccount(ctx context.Context, acct directory.RouterAccount) error {
	if acct.ID == "" || acct.VendorUsername == "" {
		return fmt.Errorf("account id and vendor username required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO router_accounts (id, vendor_username, vendor_password, platform, device_limit,
			app_user_id, router_id, package_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		acct.ID, acct.VendorUsername, acct.VendorPassword, string(acct.Platform), acct.DeviceLimit,
		acct.AppUserID, acct.RouterID, acct.PackageName, toNanos(acct.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccountByVendorUsername implements directory.Directory.
func (s *Store) GetAccountByVendorUsername(ctx context.Context, username string) (directory.RouterAccount, error) {
	var (
		acct      directory.RouterAccount
		kind      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, vendor_username, vendor_password, platform, device_limit, app_user_id, router_id,
			package_name, created_at
		FROM router_accounts
		WHERE vendor_username = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`), username).Scan(
		&acct.ID, &acct.VendorUsername, &acct.VendorPassword, &kind, &acct.DeviceLimit,
		&acct.AppUserID, &acct.RouterID, &acct.PackageName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.RouterAccount{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.RouterAccount{}, fmt.Errorf("failed to get account: %w", err)
	}
	acct.Platform = platform.Platform(kind)
	acct.CreatedAt = fromNanos(createdAt)
	return acct, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
