package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type deviceKey struct {
	userID string
	mac    string
}

// Memory is an in-process Directory. Every operation holds one mutex, which
// makes each upsert an atomic merge.
type Memory struct {
	mu       sync.RWMutex
	devices  map[deviceKey]*DeviceRecord
	byIP     map[string]map[deviceKey]struct{}
	accounts map[string]RouterAccount
	byVendor map[string][]string // vendor username -> account IDs in insert order
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[deviceKey]*DeviceRecord),
		byIP:     make(map[string]map[deviceKey]struct{}),
		accounts: make(map[string]RouterAccount),
		byVendor: make(map[string][]string),
	}
}

// UpsertDevice implements Directory.
func (m *Memory) UpsertDevice(ctx context.Context, userID, mac string, obs Observation) (DeviceRecord, error) {
	if userID == "" || mac == "" {
		return DeviceRecord{}, fmt.Errorf("user id and mac required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := deviceKey{userID, mac}
	rec, ok := m.devices[key]
	if !ok {
		rec = &DeviceRecord{
			UserID:     userID,
			MACAddress: mac,
			FirstSeen:  obs.SeenAt,
		}
		m.devices[key] = rec
	}

	if obs.IPAddress != "" && obs.IPAddress != rec.IPAddress {
		m.unindexIP(rec.IPAddress, key)
		rec.IPAddress = obs.IPAddress
		m.indexIP(rec.IPAddress, key)
	}
	if obs.DeviceName != "" {
		rec.DeviceName = obs.DeviceName
	}
	if obs.UserAgent != "" {
		rec.UserAgent = obs.UserAgent
	}
	if obs.RouterID != "" {
		rec.RouterID = obs.RouterID
	}
	rec.LastSeen = obs.SeenAt
	rec.ConnectionCount++
	rec.Status = StatusOnline

	return *rec, nil
}

// SetDeviceStatus implements Directory.
func (m *Memory) SetDeviceStatus(ctx context.Context, userID, mac string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.devices[deviceKey{userID, mac}]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.LastSeen = at
	return nil
}

// MarkDeviceOffline implements Directory.
func (m *Memory) MarkDeviceOffline(ctx context.Context, userID, mac, routerID string, seenAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.devices[deviceKey{userID, mac}]
	if !ok || rec.Status != StatusOnline || rec.RouterID != routerID || rec.LastSeen.After(seenAt) {
		return false, nil
	}
	rec.Status = StatusOffline
	rec.LastSeen = seenAt
	return true, nil
}

// GetDevice implements Directory.
func (m *Memory) GetDevice(ctx context.Context, userID, mac string) (DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.devices[deviceKey{userID, mac}]
	if !ok {
		return DeviceRecord{}, ErrNotFound
	}
	return *rec, nil
}

// ListDevices implements Directory.
func (m *Memory) ListDevices(ctx context.Context, userID string) ([]DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceRecord, 0)
	for key, rec := range m.devices {
		if key.userID == userID {
			out = append(out, *rec)
		}
	}
	sortRecent(out)
	return out, nil
}

// FindDeviceByIP implements Directory.
func (m *Memory) FindDeviceByIP(ctx context.Context, ip string) (DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *DeviceRecord
	for key := range m.byIP[ip] {
		rec := m.devices[key]
		if best == nil || rec.LastSeen.After(best.LastSeen) {
			best = rec
		}
	}
	if best == nil {
		return DeviceRecord{}, ErrNotFound
	}
	return *best, nil
}

// SaveAccount implements Directory.
func (m *Memory) SaveAccount(ctx context.Context, acct RouterAccount) error {
	if acct.ID == "" || acct.VendorUsername == "" {
		return fmt.Errorf("account id and vendor username required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acct.ID]; exists {
		return fmt.Errorf("account %s already saved", acct.ID)
	}
	m.accounts[acct.ID] = acct
	m.byVendor[acct.VendorUsername] = append(m.byVendor[acct.VendorUsername], acct.ID)
	return nil
}

// GetAccountByVendorUsername implements Directory.
func (m *Memory) GetAccountByVendorUsername(ctx context.Context, username string) (RouterAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byVendor[username]
	if len(ids) == 0 {
		return RouterAccount{}, ErrNotFound
	}
	return m.accounts[ids[len(ids)-1]], nil
}

func (m *Memory) indexIP(ip string, key deviceKey) {
	if ip == "" {
		return
	}
	set, ok := m.byIP[ip]
	if !ok {
		set = make(map[deviceKey]struct{})
		m.byIP[ip] = set
	}
	set[key] = struct{}{}
}

func (m *Memory) unindexIP(ip string, key deviceKey) {
	if set, ok := m.byIP[ip]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byIP, ip)
		}
	}
}

func sortRecent(recs []DeviceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastSeen.Equal(recs[j].LastSeen) {
			return recs[i].LastSeen.After(recs[j].LastSeen)
		}
		return recs[i].MACAddress < recs[j].MACAddress
	})
}
