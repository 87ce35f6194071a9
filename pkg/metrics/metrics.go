package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Poller metrics
	pollCycles        *prometheus.CounterVec
	pollDuration      *prometheus.HistogramVec
	pollClients       *prometheus.GaugeVec
	pollResolved      *prometheus.CounterVec
	pollUnresolved    *prometheus.CounterVec
	routerHealthy     *prometheus.GaugeVec
	vendorErrors      *prometheus.CounterVec
	devicesMarkedIdle *prometheus.CounterVec

	// Directory write metrics
	deviceUpserts *prometheus.CounterVec

	// Provisioning metrics
	provisionTotal           *prometheus.CounterVec
	provisionLatency         *prometheus.HistogramVec
	provisionInconsistencies *prometheus.CounterVec

	logger *zap.Logger
}

// New creates a new Metrics instance
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		logger: logger,

		pollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_poll_cycles_total",
				Help: "Poll cycles by router and result (ok, failed, skipped)",
			},
			[]string{"router_id", "result"},
		),

		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotspotd_poll_cycle_duration_seconds",
				Help:    "Wall time of one poll cycle",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"router_id"},
		),

		pollClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hotspotd_poll_active_clients",
				Help: "Clients reported by the router in its last successful cycle",
			},
			[]string{"router_id"},
		),

		pollResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_poll_resolved_total",
				Help: "Poll results attributed to a user, by match confidence",
			},
			[]string{"router_id", "confidence"},
		),

		pollUnresolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_poll_unresolved_total",
				Help: "Poll results dropped because no user could be resolved",
			},
			[]string{"router_id"},
		),

		routerHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hotspotd_router_healthy",
				Help: "1 if the router's recent cycles succeed, 0 otherwise",
			},
			[]string{"router_id", "platform"},
		),

		vendorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_vendor_errors_total",
				Help: "Vendor failures by platform and kind (connect, command)",
			},
			[]string{"platform", "kind"},
		),

		devicesMarkedIdle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_devices_marked_offline_total",
				Help: "Devices set offline, by reason (disconnect, stale)",
			},
			[]string{"reason"},
		),

		deviceUpserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_device_upserts_total",
				Help: "Device directory upserts by source (poll, connect) and result",
			},
			[]string{"source", "result"},
		),

		provisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_provision_total",
				Help: "Provisioning calls by platform and result",
			},
			[]string{"platform", "result"},
		),

		provisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotspotd_provision_latency_seconds",
				Help:    "Provisioning latency by platform",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),

		provisionInconsistencies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspotd_provision_inconsistencies_total",
				Help: "Vendor accounts created but not recorded in the directory",
			},
			[]string{"platform"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		// Poller metrics
		m.pollCycles,
		m.pollDuration,
		m.pollClients,
		m.pollResolved,
		m.pollUnresolved,
		m.routerHealthy,
		m.vendorErrors,
		m.devicesMarkedIdle,
		// Directory metrics
		m.deviceUpserts,
		// Provisioning metrics
		m.provisionTotal,
		m.provisionLatency,
		m.provisionInconsistencies,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordPollCycle records the outcome of one poll cycle.
func (m *Metrics) RecordPollCycle(routerID, result string, duration time.Duration) {
	m.pollCycles.WithLabelValues(routerID, result).Inc()
	if result != "skipped" {
		m.pollDuration.WithLabelValues(routerID).Observe(duration.Seconds())
	}
}

// SetActiveClients sets the number of clients a router last reported.
func (m *Metrics) SetActiveClients(routerID string, count int) {
	m.pollClients.WithLabelValues(routerID).Set(float64(count))
}

// RecordResolved counts a poll result attributed to a user.
func (m *Metrics) RecordResolved(routerID, confidence string) {
	m.pollResolved.WithLabelValues(routerID, confidence).Inc()
}

// RecordUnresolved counts a dropped poll result.
func (m *Metrics) RecordUnresolved(routerID string) {
	m.pollUnresolved.WithLabelValues(routerID).Inc()
}

// SetRouterHealthy records a router health flip.
func (m *Metrics) SetRouterHealthy(routerID, platform string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.routerHealthy.WithLabelValues(routerID, platform).Set(v)
}

// RecordVendorError counts a vendor failure.
func (m *Metrics) RecordVendorError(platform, kind string) {
	m.vendorErrors.WithLabelValues(platform, kind).Inc()
}

// RecordDeviceOffline counts a device marked offline.
func (m *Metrics) RecordDeviceOffline(reason string) {
	m.devicesMarkedIdle.WithLabelValues(reason).Inc()
}

// RecordDeviceUpsert counts a directory upsert.
func (m *Metrics) RecordDeviceUpsert(source string, err error) {
	m.deviceUpserts.WithLabelValues(source, resultLabel(err)).Inc()
}

// RecordProvision records one provisioning call.
func (m *Metrics) RecordProvision(platform string, err error, latency time.Duration) {
	m.provisionTotal.WithLabelValues(platform, resultLabel(err)).Inc()
	m.provisionLatency.WithLabelValues(platform).Observe(latency.Seconds())
}

// RecordProvisionInconsistency counts a vendor account left unrecorded.
func (m *Metrics) RecordProvisionInconsistency(platform string) {
	m.provisionInconsistencies.WithLabelValues(platform).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
