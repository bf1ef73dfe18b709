package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/focuskit/focusd/internal/activity"
	"github.com/focuskit/focusd/internal/api"
	"github.com/focuskit/focusd/internal/bus"
	"github.com/focuskit/focusd/internal/config"
	"github.com/focuskit/focusd/internal/events"
	"github.com/focuskit/focusd/internal/metrics"
	"github.com/focuskit/focusd/internal/mirror"
	"github.com/focuskit/focusd/internal/policy"
	"github.com/focuskit/focusd/internal/reconcile"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage/redis"
	"github.com/focuskit/focusd/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the focusd daemon",
	Long:  `Run the focusd daemon with the control API, metrics server, and message bus.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting focusd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to get systemd listeners, will bind sockets directly")
		sdListeners = &systemd.Listeners{}
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Open the remote session log
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session log")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("host", cfg.Storage.Redis.Host).
		Msg("Session log opened")

	// Open the local persistence mirror
	snapMirror, err := mirror.Open(cfg.Mirror.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open persistence mirror: %w", err)
	}
	defer func() {
		if err := snapMirror.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close persistence mirror")
		}
	}()

	logger.Info().Str("path", cfg.Mirror.Path).Msg("Persistence mirror opened")

	// Initialize session state
	dispatcher := events.NewDispatcher()
	state := session.NewStateStore(snapMirror, dispatcher, logger)

	// Initialize Policy Engine
	policyEngine, err := policy.NewEngine(
		cfg.Policy.PolicyDir,
		parseDuration(cfg.Policy.MaxOverrideDuration, 10*time.Minute),
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	logger.Info().
		Str("policy_dir", cfg.Policy.PolicyDir).
		Msg("Policy Engine initialized")

	// Initialize Reconciler
	reconciler := reconcile.New(
		state,
		store.Sessions(),
		store.Overrides(),
		policyEngine,
		snapMirror,
		dispatcher,
		logger,
		reconcile.Options{
			Retry: reconcile.RetryPolicy{
				MaxAttempts: cfg.Focus.RetryAttempts,
				Delay:       parseDuration(cfg.Focus.RetryDelay, time.Second),
			},
			DebounceWindow: parseDuration(cfg.Focus.DebounceWindow, 500*time.Millisecond),
		},
	)

	// Initialize Message Bus
	seen, err := bus.NewProcessedSet(cfg.Bus.DedupEntries)
	if err != nil {
		return fmt.Errorf("failed to initialize dedup set: %w", err)
	}

	wsHub := bus.NewWebSocketHub(logger)
	redisTransport := bus.NewRedisTransport(store.Client(), cfg.Bus.Channel, logger)
	localTransport := bus.NewLocalTransport()

	adapter := bus.NewAdapter("focusd", seen, reconciler, logger, localTransport, redisTransport, wsHub)
	adapter.Start()
	reconciler.SetBroadcaster(adapter)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()

	if err := redisTransport.Start(busCtx); err != nil {
		return fmt.Errorf("failed to start Redis transport: %w", err)
	}

	logger.Info().Str("channel", cfg.Bus.Channel).Msg("Message Bus started")

	// Reconcile persisted and remote state before serving requests
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reconciler.Initialize(initCtx, cfg.Focus.UserID); err != nil {
		initCancel()
		return fmt.Errorf("failed to initialize focus state: %w", err)
	}
	initCancel()

	logger.Info().
		Str("user_id", cfg.Focus.UserID).
		Bool("focus_active", state.Active()).
		Msg("Focus state reconciled")

	// Initialize Activity Monitor
	monitor := activity.New(
		parseDuration(cfg.Focus.InactivityThreshold, 300*time.Second),
		parseDuration(cfg.Focus.ActivityCheckEvery, 10*time.Second),
		func() { reconciler.Pause(context.Background()) },
		func() { reconciler.Resume(context.Background()) },
		reconcile.RealClock{},
		logger,
	)
	monitor.Start()

	logger.Info().
		Str("threshold", cfg.Focus.InactivityThreshold).
		Msg("Activity Monitor started")

	// Initialize Retention Sweeper
	retention := time.Duration(cfg.Focus.RetentionDays) * 24 * time.Hour
	sweeper, err := reconcile.NewRetentionSweeper(
		store.Sessions(),
		retention,
		cfg.Focus.RetentionSweepTime,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize Retention Sweeper: %w", err)
	}

	sweeper.Start()
	logger.Info().
		Int("retention_days", cfg.Focus.RetentionDays).
		Msg("Retention Sweeper started")

	// Initialize Control API
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, reconciler, state, store.Sessions(), monitor, wsHub, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start Control API: %w", err)
	}

	logger.Info().Str("addr", apiAddr).Msg("Control API started")

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().Str("addr", metricsAddr).Msg("Metrics Server started")

	// Log startup complete
	logger.Info().Msg("focusd startup complete")
	logger.Info().Msgf("Control API: http://%s/", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading policies...")
			if err := policyEngine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies")
			} else {
				logger.Info().Msg("Policies reloaded successfully")
			}
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop components in reverse order of startup
	sweeper.Stop()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping Control API")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	busCancel()
	if err := adapter.Close(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Message Bus")
	}

	// An active session is left open on purpose. The mirror snapshot lets the
	// next start adopt it with timing intact.
	logger.Info().Msg("focusd stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (*redis.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
