package platform

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Factory builds a Client for one configured router.
type Factory func(cfg RouterConfig, logger *zap.Logger) (Client, error)

// Registry maps platforms to adapter factories. It is populated at start-up;
// a platform without a registered factory is unsupported.
type Registry struct {
	mu        sync.RWMutex
	factories map[Platform]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Platform]Factory)}
}

// Register installs the factory for a platform, replacing any previous one.
func (r *Registry) Register(p Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Supports reports whether a factory is registered for p.
func (r *Registry) Supports(p Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[p]
	return ok
}

// Build creates the client for cfg.
func (r *Registry) Build(cfg RouterConfig, logger *zap.Logger) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Platform]
	r.mu.RUnlock()

	if !ok {
		return nil, &Error{Platform: cfg.Platform, RouterID: cfg.ID, Op: "build", Kind: ErrUnsupportedVendor}
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("router config for %s has no id", cfg.Platform)
	}
	return f(cfg, logger.With(zap.String("router_id", cfg.ID), zap.String("platform", string(cfg.Platform))))
}

// Fleet is the set of live clients, keyed by router ID.
type Fleet struct {
	clients map[string]Client
	order   []string
}

// NewFleet builds a client for every router config. Duplicate IDs are rejected.
func NewFleet(reg *Registry, routers []RouterConfig, logger *zap.Logger) (*Fleet, error) {
	f := &Fleet{clients: make(map[string]Client, len(routers))}
	for _, rc := range routers {
		if _, dup := f.clients[rc.ID]; dup {
			return nil, fmt.Errorf("duplicate router id %q", rc.ID)
		}
		c, err := reg.Build(rc, logger)
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", rc.ID, err)
		}
		f.clients[rc.ID] = c
		f.order = append(f.order, rc.ID)
	}
	return f, nil
}

// FleetOf wraps already-built clients, mostly for tests.
func FleetOf(clients ...Client) *Fleet {
	f := &Fleet{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		f.clients[c.RouterID()] = c
		f.order = append(f.order, c.RouterID())
	}
	return f
}

// Get returns the client for a router ID.
func (f *Fleet) Get(routerID string) (Client, bool) {
	c, ok := f.clients[routerID]
	return c, ok
}

// Clients returns every client in configuration order.
func (f *Fleet) Clients() []Client {
	out := make([]Client, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.clients[id])
	}
	return out
}

// ByPlatform returns the clients of one platform in configuration order.
func (f *Fleet) ByPlatform(p Platform) []Client {
	var out []Client
	for _, id := range f.order {
		if c := f.clients[id]; c.Platform() == p {
			out = append(out, c)
		}
	}
	return out
}

// RouterIDs returns the configured router IDs, sorted.
func (f *Fleet) RouterIDs() []string {
	ids := append([]string(nil), f.order...)
	sort.Strings(ids)
	return ids
}
