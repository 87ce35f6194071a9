package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/api"
	"github.com/codelaboratoryltd/hotspotd/pkg/config"
	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/directory/mongostore"
	"github.com/codelaboratoryltd/hotspotd/pkg/directory/sqlstore"
	"github.com/codelaboratoryltd/hotspotd/pkg/identity"
	"github.com/codelaboratoryltd/hotspotd/pkg/metrics"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform/openwrt"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform/routeros"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform/unifi"
	"github.com/codelaboratoryltd/hotspotd/pkg/poller"
	"github.com/codelaboratoryltd/hotspotd/pkg/presence"
	"github.com/codelaboratoryltd/hotspotd/pkg/provision"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hotspotd",
	Short: "Hotspot router session reconciliation and device-limit provisioning",
	Long: `hotspotd - provisions device-limited credentials on MikroTik, OpenWrt
and UniFi routers, and keeps a device directory in sync with the routers'
live client tables.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the poller and API server",
	RunE:  runHotspotd,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision one router account and print its credentials",
	RunE:  runProvision,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hotspotd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile string
	envFile    string
	logLevel   string

	metricsAddr  string
	listenAddr   string
	pollInterval time.Duration
	staleAfter   time.Duration

	provUser        string
	provPlatform    string
	provRouterID    string
	provPackage     string
	provDeviceLimit int
	provDuration    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/hotspotd/config.yaml",
		"Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Dotenv file loaded before the config is expanded")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", config.DefaultLogLevel,
		"Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", config.DefaultMetricsAddr,
		"Prometheus metrics listen address")
	runCmd.Flags().StringVar(&listenAddr, "listen", config.DefaultListen,
		"API listen address")
	runCmd.Flags().DurationVar(&pollInterval, "poll-interval", config.DefaultPollInterval,
		"Router poll interval")
	runCmd.Flags().DurationVar(&staleAfter, "stale-after", 0,
		"Mark devices offline after this long absent from their router (0 disables)")

	provisionCmd.Flags().StringVar(&provUser, "user", "", "Application user ID")
	provisionCmd.Flags().StringVar(&provPlatform, "router", "", "Router platform (mikrotik, openwrt, unifi)")
	provisionCmd.Flags().StringVar(&provRouterID, "router-id", "", "Specific router ID (default: first of the platform)")
	provisionCmd.Flags().StringVar(&provPackage, "package", "", "Package name from the config catalog")
	provisionCmd.Flags().IntVar(&provDeviceLimit, "device-limit", 0, "Simultaneous device limit")
	provisionCmd.Flags().DurationVar(&provDuration, "duration", 0, "Account lifetime (0 for the vendor default)")
	_ = provisionCmd.MarkFlagRequired("user")
	_ = provisionCmd.MarkFlagRequired("router")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Encoding = "json"

	return cfg.Build()
}

// loadConfig loads the env file and config, then applies flags explicitly
// set on the command line over the file values.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, err
	}

	bootLogger, err := initLogger(logLevel)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configFile, bootLogger)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Lookup("listen") != nil && flags.Changed("listen") {
		cfg.API.Listen = listenAddr
	}
	if flags.Lookup("poll-interval") != nil && flags.Changed("poll-interval") {
		cfg.Poll.Interval = pollInterval
	}
	if flags.Lookup("stale-after") != nil && flags.Changed("stale-after") {
		cfg.Poll.StaleAfter = staleAfter
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	_ = bootLogger.Sync()
	return cfg, logger, nil
}

func newRegistry() *platform.Registry {
	reg := platform.NewRegistry()
	reg.Register(platform.PlatformMikroTik, routeros.Factory)
	reg.Register(platform.PlatformOpenWrt, openwrt.Factory)
	reg.Register(platform.PlatformUniFi, unifi.Factory)
	return reg
}

// openDirectory opens the configured store. The returned func closes it.
func openDirectory(ctx context.Context, cfg config.DirectoryConfig, logger *zap.Logger) (directory.Directory, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory directory; devices and accounts are lost on restart")
		return directory.NewMemory(), func() {}, nil

	case config.DriverSQLite, config.DriverPostgres:
		driver := sqlstore.DriverSQLite
		if cfg.Driver == config.DriverPostgres {
			driver = sqlstore.DriverPostgres
		}
		store, err := sqlstore.Open(ctx, driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s directory: %w", cfg.Driver, err)
		}
		logger.Info("Opened SQL directory", zap.String("driver", cfg.Driver))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close directory", zap.Error(err))
			}
		}, nil

	case config.DriverMongo:
		store, err := mongostore.Open(ctx, cfg.DSN, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo directory: %w", err)
		}
		logger.Info("Opened MongoDB directory", zap.String("database", cfg.Database))
		return store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				logger.Warn("Failed to close directory", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown directory driver %q", cfg.Driver)
}

func newGuard(ctx context.Context, cfg config.GuardConfig, logger *zap.Logger) (poller.Guard, func(), error) {
	if cfg.Type != config.GuardRedis {
		return poller.NewLocalGuard(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse guard.redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis guard: %w", err)
	}
	logger.Info("Using Redis poll guard", zap.String("addr", opts.Addr))
	return poller.NewRedisGuard(client, cfg.KeyPrefix), func() { _ = client.Close() }, nil
}

func runHotspotd(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting hotspotd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("routers", len(cfg.Routers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	fleet, err := platform.NewFleet(newRegistry(), cfg.Routers, logger)
	if err != nil {
		return fmt.Errorf("build router fleet: %w", err)
	}
	if len(cfg.Routers) == 0 {
		logger.Warn("No routers configured; poller idle")
	}

	dir, closeDir, err := openDirectory(ctx, cfg.Directory, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	guard, closeGuard, err := newGuard(ctx, cfg.Guard, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	metricsCollector := metrics.New(logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	resolver := identity.NewResolver(dir, logger.Named("identity"))
	pol := poller.New(poller.Config{
		Interval:     cfg.Poll.Interval,
		CycleTimeout: cfg.Poll.CycleTimeout,
		StaleAfter:   cfg.Poll.StaleAfter,
	}, fleet, dir, resolver, logger.Named("poller"),
		poller.WithGuard(guard),
		poller.WithRecorder(metricsCollector),
	)
	prov := provision.New(fleet, dir, logger.Named("provision"),
		provision.WithRecorder(metricsCollector),
		provision.WithUsernamePrefix(cfg.Provision.UsernamePrefix),
	)
	tracker := presence.NewTracker(dir, logger.Named("presence"), presence.WithRecorder(metricsCollector))

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(metricsCollector),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	apiServer := api.NewServer(api.Config{
		Listen:      cfg.API.Listen,
		JWTSecret:   cfg.API.JWTSecret,
		CORSOrigins: cfg.API.CORSOrigins,
		Packages:    cfg.Packages,
	}, dir, prov, pol, tracker, logger.Named("api"))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
			cancel()
		}
	}()

	pol.Start(ctx)

	<-ctx.Done()

	logger.Info("Shutting down")
	pol.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown error", zap.Error(err))
	}

	logger.Info("hotspotd stopped")
	return nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pkg, err := resolvePackage(cfg.Packages, provPackage, provDeviceLimit, provDuration)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fleet, err := platform.NewFleet(newRegistry(), cfg.Routers, logger)
	if err != nil {
		return fmt.Errorf("build router fleet: %w", err)
	}
	dir, closeDir, err := openDirectory(ctx, cfg.Directory, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	prov := provision.New(fleet, dir, logger, provision.WithUsernamePrefix(cfg.Provision.UsernamePrefix))
	acct, err := prov.Provision(ctx, provision.Purchase{
		UserID:     provUser,
		Package:    pkg,
		RouterType: platform.Platform(provPlatform),
		RouterID:   provRouterID,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Platform:     %s\n", acct.Platform)
	fmt.Printf("Router:       %s\n", acct.RouterID)
	fmt.Printf("Username:     %s\n", acct.VendorUsername)
	fmt.Printf("Password:     %s\n", acct.VendorPassword)
	fmt.Printf("Device limit: %d\n", acct.DeviceLimit)
	fmt.Printf("Account ID:   %s\n", acct.ID)
	return nil
}

// resolvePackage picks a catalog package by name, with --device-limit and
// --duration overriding it, or builds an ad hoc one from the flags alone.
func resolvePackage(catalog []directory.Package, name string, deviceLimit int, duration time.Duration) (directory.Package, error) {
	var pkg directory.Package
	if name != "" {
		found := false
		for _, p := range catalog {
			if p.Name == name {
				pkg, found = p, true
				break
			}
		}
		if !found {
			return directory.Package{}, fmt.Errorf("%w: unknown package %q", provision.ErrInvalidPackage, name)
		}
	} else {
		pkg.Name = "cli"
	}
	if deviceLimit > 0 {
		pkg.DeviceLimit = deviceLimit
	}
	switch {
	case duration < 0 || (duration > 0 && duration < time.Minute):
		// Zero minutes would mean unlimited.
		return directory.Package{}, fmt.Errorf("%w: duration %s is shorter than one minute",
			provision.ErrInvalidPackage, duration)
	case duration > 0:
		pkg.DurationMinutes = int((duration + time.Minute - 1) / time.Minute)
	}
	if err := provision.ValidatePackage(pkg); err != nil {
		return directory.Package{}, err
	}
	return pkg, nil
}
