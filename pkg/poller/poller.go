// Package poller periodically reads every configured router's active client
// table and reconciles it into the device directory.
//
// Each router has its own goroutine and its own cycle deadline. A failing or
// slow router only affects its own cycles.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/identity"
	"github.com/codelaboratoryltd/hotspotd/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

var (
	// ErrUnknownRouter is returned by PollOnce for an unconfigured router.
	ErrUnknownRouter = errors.New("unknown router")

	// ErrCycleInFlight is returned when a cycle for the router is already running.
	ErrCycleInFlight = errors.New("poll cycle already in flight")
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 15 * time.Second

// guardGrace extends the guard TTL past the cycle deadline.
const guardGrace = 5 * time.Second

// State is where a router's poll loop currently is.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateReconciling State = "reconciling"
)

// Config controls polling.
type Config struct {
	Interval time.Duration
	// CycleTimeout bounds one cycle; zero or anything above Interval means Interval.
	CycleTimeout time.Duration
	// StaleAfter enables offline-by-absence: a device this poller upserted
	// from a router and has not seen there for StaleAfter is set offline.
	// Zero disables it.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CycleTimeout <= 0 || c.CycleTimeout > c.Interval {
		c.CycleTimeout = c.Interval
	}
	if c.StaleAfter < 0 {
		c.StaleAfter = 0
	}
	return c
}

// Recorder receives poller metrics.
type Recorder interface {
	RecordPollCycle(routerID, result string, duration time.Duration)
	SetActiveClients(routerID string, count int)
	RecordResolved(routerID, confidence string)
	RecordUnresolved(routerID string)
	SetRouterHealthy(routerID, platform string, healthy bool)
	RecordVendorError(platform, kind string)
	RecordDeviceUpsert(source string, err error)
	RecordDeviceOffline(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordPollCycle(string, string, time.Duration) {}
func (nopRecorder) SetActiveClients(string, int)                  {}
func (nopRecorder) RecordResolved(string, string)                 {}
func (nopRecorder) RecordUnresolved(string)                       {}
func (nopRecorder) SetRouterHealthy(string, string, bool)         {}
func (nopRecorder) RecordVendorError(string, string)              {}
func (nopRecorder) RecordDeviceUpsert(string, error)              {}
func (nopRecorder) RecordDeviceOffline(string)                    {}

// CycleResult summarises one cycle.
type CycleResult struct {
	CycleID       string        `json:"cycle_id"`
	RouterID      string        `json:"router_id"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
	Listed        int           `json:"listed"`
	Resolved      int           `json:"resolved"`
	Unresolved    int           `json:"unresolved"`
	Upserted      int           `json:"upserted"`
	WriteErrors   int           `json:"write_errors"`
	MarkedOffline int           `json:"marked_offline"`
	Error         string        `json:"error,omitempty"`
}

// RouterStatus is a snapshot of one router's loop.
type RouterStatus struct {
	RouterID  string            `json:"router_id"`
	Platform  platform.Platform `json:"platform"`
	State     State             `json:"state"`
	Health    Health            `json:"health"`
	LastCycle *CycleResult      `json:"last_cycle,omitempty"`
}

type deviceKey struct {
	userID string
	mac    string
}

type routerState struct {
	client platform.Client

	mu        sync.Mutex
	state     State
	health    Health
	lastCycle *CycleResult
	// seen holds devices upserted from this router and when, for the stale sweep.
	seen map[deviceKey]time.Time
}

func (rs *routerState) setState(s State) {
	rs.mu.Lock()
	rs.state = s
	rs.mu.Unlock()
}

// Poller runs one loop per router.
type Poller struct {
	cfg      Config
	resolver *identity.Resolver
	dir      directory.Directory
	guard    Guard
	recorder Recorder
	now      func() time.Time
	logger   *zap.Logger

	routers map[string]*routerState
	order   []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithGuard replaces the default LocalGuard.
func WithGuard(g Guard) Option {
	return func(p *Poller) { p.guard = g }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// WithClock overrides time.Now for lastSeen stamps and the stale sweep.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller over every client in the fleet.
func New(cfg Config, fleet *platform.Fleet, dir directory.Directory, resolver *identity.Resolver, logger *zap.Logger, opts ...Option) *Poller {
	p := &Poller{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		dir:      dir,
		guard:    NewLocalGuard(),
		recorder: nopRecorder{},
		now:      time.Now,
		logger:   logger,
		routers:  make(map[string]*routerState),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, c := range fleet.Clients() {
		p.routers[c.RouterID()] = &routerState{
			client: c,
			state:  StateIdle,
			seen:   make(map[deviceKey]time.Time),
		}
		p.order = append(p.order, c.RouterID())
	}
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// Start launches one goroutine per router. Each polls immediately and then
// every Interval until Stop or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for _, id := range p.order {
		rs := p.routers[id]
		p.wg.Add(1)
		go p.loop(ctx, rs)
	}

	p.logger.Info("Poller started",
		zap.Int("routers", len(p.order)),
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("cycle_timeout", p.cfg.CycleTimeout),
		zap.Duration("stale_after", p.cfg.StaleAfter),
	)
}

// Stop cancels all loops and waits for in-flight cycles to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Poller stopped")
}

func (p *Poller) loop(ctx context.Context, rs *routerState) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	_, _ = p.cycle(ctx, rs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.cycle(ctx, rs)
		}
	}
}

// PollOnce runs one cycle for a router now. It returns ErrCycleInFlight
// instead of waiting when a cycle is already running.
func (p *Poller) PollOnce(ctx context.Context, routerID string) (CycleResult, error) {
	rs, ok := p.routers[routerID]
	if !ok {
		return CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownRouter, routerID)
	}
	return p.cycle(ctx, rs)
}

// Tick runs one cycle for every router concurrently and waits for all of
// them. Results are in configuration order.
func (p *Poller) Tick(ctx context.Context) []CycleResult {
	results := make([]CycleResult, len(p.order))
	var wg sync.WaitGroup
	for i, id := range p.order {
		wg.Add(1)
		go func(i int, rs *routerState) {
			defer wg.Done()
			res, err := p.cycle(ctx, rs)
			if err != nil && res.Error == "" {
				res.Error = err.Error()
			}
			results[i] = res
		}(i, p.routers[id])
	}
	wg.Wait()
	return results
}

// Status returns a snapshot of every router, sorted by ID.
func (p *Poller) Status() []RouterStatus {
	out := make([]RouterStatus, 0, len(p.routers))
	for _, rs := range p.routers {
		rs.mu.Lock()
		st := RouterStatus{
			RouterID: rs.client.RouterID(),
			Platform: rs.client.Platform(),
			State:    rs.state,
			Health:   rs.health,
		}
		if rs.lastCycle != nil {
			last := *rs.lastCycle
			st.LastCycle = &last
		}
		rs.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouterID < out[j].RouterID })
	return out
}

// cycle is one Polling -> Reconciling -> Idle pass for a router.
func (p *Poller) cycle(ctx context.Context, rs *routerState) (CycleResult, error) {
	client := rs.client
	routerID := client.RouterID()
	kind := client.Platform()

	res := CycleResult{
		CycleID:  uuid.NewString(),
		RouterID: routerID,
		Started:  p.now(),
	}
	logger := p.logger.With(
		zap.String("router_id", routerID),
		zap.String("platform", string(kind)),
		zap.String("cycle_id", res.CycleID),
	)

	release, ok, err := p.guard.TryAcquire(ctx, routerID, p.cfg.CycleTimeout+guardGrace)
	if err != nil {
		logger.Warn("Poll guard unavailable, skipping cycle", zap.Error(err))
		p.recorder.RecordPollCycle(routerID, "skipped", 0)
		return res, fmt.Errorf("acquire poll guard: %w", err)
	}
	if !ok {
		logger.Debug("Previous cycle still running, skipping")
		p.recorder.RecordPollCycle(routerID, "skipped", 0)
		return res, ErrCycleInFlight
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	rs.setState(StatePolling)
	defer rs.setState(StateIdle)

	var clients []platform.PollResult
	err = platform.WithSession(cctx, client, func(s platform.Session) error {
		var err error
		clients, err = s.ListActiveClients(cctx)
		return err
	})
	if err != nil {
		p.finishFailed(rs, &res, err, logger)
		return res, err
	}

	rs.setState(StateReconciling)
	res.Listed = len(clients)
	p.recorder.SetActiveClients(routerID, len(clients))

	now := p.now()
	seenNow := make(map[deviceKey]struct{}, len(clients))
	for _, pr := range clients {
		if cctx.Err() != nil {
			break
		}
		mac, err := macaddr.Canonicalize(pr.MAC)
		if err != nil {
			logger.Debug("Dropping poll result with invalid MAC", zap.String("mac", pr.MAC))
			res.Unresolved++
			p.recorder.RecordUnresolved(routerID)
			continue
		}
		pr.MAC = mac

		match, err := p.resolver.Resolve(cctx, pr)
		if err != nil {
			logger.Warn("Identity lookup failed", zap.String("mac", mac), zap.Error(err))
			res.WriteErrors++
			continue
		}
		if !match.Resolved() {
			res.Unresolved++
			p.recorder.RecordUnresolved(routerID)
			logger.Debug("Unresolved client dropped",
				zap.String("mac", mac),
				zap.String("ip", pr.IP),
				zap.String("router_username", pr.RouterUsername),
			)
			continue
		}
		res.Resolved++
		p.recorder.RecordResolved(routerID, string(match.Confidence))

		_, err = p.dir.UpsertDevice(cctx, match.UserID, mac, directory.Observation{
			IPAddress:  pr.IP,
			DeviceName: pr.Hostname,
			RouterID:   routerID,
			SeenAt:     now,
		})
		p.recorder.RecordDeviceUpsert("poll", err)
		if err != nil {
			logger.Warn("Device upsert failed",
				zap.String("user_id", match.UserID),
				zap.String("mac", mac),
				zap.Error(err),
			)
			res.WriteErrors++
			continue
		}
		res.Upserted++

		key := deviceKey{match.UserID, mac}
		seenNow[key] = struct{}{}
		rs.mu.Lock()
		rs.seen[key] = now
		rs.mu.Unlock()
	}

	if err := cctx.Err(); err != nil {
		err = fmt.Errorf("reconcile interrupted after %d of %d clients: %w",
			res.Resolved+res.Unresolved+res.WriteErrors, res.Listed, err)
		p.finishFailed(rs, &res, err, logger)
		return res, err
	}

	if p.cfg.StaleAfter > 0 {
		res.MarkedOffline = p.sweepStale(cctx, rs, seenNow, now, logger)
	}

	res.Duration = p.now().Sub(res.Started)
	p.finish(rs, &res, nil)
	p.recorder.RecordPollCycle(routerID, "ok", res.Duration)

	logger.Debug("Poll cycle complete",
		zap.Int("listed", res.Listed),
		zap.Int("resolved", res.Resolved),
		zap.Int("unresolved", res.Unresolved),
		zap.Int("upserted", res.Upserted),
		zap.Int("marked_offline", res.MarkedOffline),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// sweepStale sets offline the devices previously seen on this router that
// were absent this cycle and have not been seen for StaleAfter. The record
// keeps its real last sighting as lastSeen. A device since seen on another
// router, or reported by a connect, is left alone and forgotten here.
func (p *Poller) sweepStale(ctx context.Context, rs *routerState, seenNow map[deviceKey]struct{}, now time.Time, logger *zap.Logger) int {
	type stale struct {
		key  deviceKey
		last time.Time
	}
	var candidates []stale

	rs.mu.Lock()
	for key, last := range rs.seen {
		if _, present := seenNow[key]; present {
			continue
		}
		if now.Sub(last) >= p.cfg.StaleAfter {
			candidates = append(candidates, stale{key, last})
		}
	}
	rs.mu.Unlock()

	marked := 0
	for _, c := range candidates {
		changed, err := p.dir.MarkDeviceOffline(ctx, c.key.userID, c.key.mac, rs.client.RouterID(), c.last)
		if err != nil {
			logger.Warn("Failed to mark stale device offline",
				zap.String("user_id", c.key.userID),
				zap.String("mac", c.key.mac),
				zap.Error(err),
			)
			continue
		}
		rs.mu.Lock()
		delete(rs.seen, c.key)
		rs.mu.Unlock()
		if changed {
			marked++
			p.recorder.RecordDeviceOffline("stale")
		}
	}
	return marked
}

func (p *Poller) finishFailed(rs *routerState, res *CycleResult, err error, logger *zap.Logger) {
	res.Duration = p.now().Sub(res.Started)
	res.Error = err.Error()

	kind := "other"
	switch {
	case errors.Is(err, platform.ErrConnect):
		kind = "connect"
	case errors.Is(err, platform.ErrCommand):
		kind = "command"
	}
	p.recorder.RecordVendorError(string(rs.client.Platform()), kind)
	p.recorder.RecordPollCycle(res.RouterID, "failed", res.Duration)

	logger.Warn("Poll cycle failed; router skipped until next cycle",
		zap.String("kind", kind),
		zap.Duration("duration", res.Duration),
		zap.Error(err),
	)
	p.finish(rs, res, err)
}

func (p *Poller) finish(rs *routerState, res *CycleResult, err error) {
	rs.mu.Lock()
	changed := rs.health.observe(err, p.now())
	healthy := rs.health.Healthy
	last := *res
	rs.lastCycle = &last
	rs.mu.Unlock()

	if changed {
		p.recorder.SetRouterHealthy(res.RouterID, string(rs.client.Platform()), healthy)
		if healthy {
			p.logger.Info("Router healthy", zap.String("router_id", res.RouterID))
		} else {
			p.logger.Warn("Router unhealthy", zap.String("router_id", res.RouterID), zap.Error(err))
		}
	}
}
