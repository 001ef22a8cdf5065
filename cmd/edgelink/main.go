package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medbridge/edgelink/internal/analytics"
	"github.com/medbridge/edgelink/internal/config"
	"github.com/medbridge/edgelink/internal/database"
	"github.com/medbridge/edgelink/internal/link"
	"github.com/medbridge/edgelink/internal/metrics"
	"github.com/medbridge/edgelink/internal/netquality"
	"github.com/medbridge/edgelink/internal/netstatus"
	"github.com/medbridge/edgelink/internal/queue"
	"github.com/medbridge/edgelink/internal/transport"
	"github.com/medbridge/edgelink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/edgelink.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting edgelink",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"session_id", cfg.Instance.SessionID,
		"address", cfg.Link.Address,
		"queue_backend", cfg.Queue.Backend,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Offline queue over the configured backend. A failed init is not
	// fatal: the manager degrades to best-effort in-memory queuing.
	store, storeClose, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build queue store", "error", err)
		os.Exit(1)
	}
	defer storeClose()

	offline := queue.New(store, cfg.Queue.Capacity, logger)
	if err := offline.Init(ctx); err != nil {
		logger.Warn("offline queue unavailable, falling back to in-memory queuing", "error", err)
	} else {
		logger.Info("offline queue ready", "backend", cfg.Queue.Backend, "capacity", offline.Capacity())
	}

	// Network quality estimator
	prober := netquality.NewHTTPProber(
		cfg.Quality.ProbeURL,
		cfg.Quality.ThroughputURL,
		netquality.WithProbeTimeout(cfg.Quality.ProbeTimeout),
		netquality.WithProbeLogger(logger),
	)
	estimator := netquality.NewEstimator(netquality.EstimatorConfig{
		ProbeCount:   cfg.Quality.ProbeCount,
		ProbeTimeout: cfg.Quality.ProbeTimeout,
		Interval:     cfg.Quality.Interval,
		MinProbeGap:  cfg.Quality.MinProbeGap,
	}, prober, logger)
	estimator.Start(ctx)
	defer estimator.Stop()

	// Host network status monitor
	monitor := netstatus.NewMonitor(cfg.Link.NetworkPollInterval, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	// Connection manager over a WebSocket dialer
	dialer := transport.NewWSDialer(transport.WSDialerConfig{
		HandshakeTimeout: cfg.Link.HandshakeTimeout,
		WriteTimeout:     cfg.Link.WriteTimeout,
		BufferSize:       cfg.Link.ReadBufferSize,
	}, logger)

	managerOpts := []link.Option{
		link.WithLogger(logger),
		link.WithOfflineQueue(offline),
		link.WithEstimator(estimator),
		link.WithNetworkSource(monitor),
		link.WithConnectTimeout(cfg.Link.ConnectTimeout),
		link.WithStabilityWindow(cfg.Link.StabilityWindow),
		link.WithNetworkPollInterval(cfg.Link.NetworkPollInterval),
	}
	if len(cfg.Quality.Strategies) > 0 {
		managerOpts = append(managerOpts, link.WithStrategies(buildStrategies(cfg.Quality.Strategies)))
	}
	manager := link.NewManager(dialer, managerOpts...)
	defer manager.Destroy()

	// Passive analytics fed by the manager's observation streams
	reporter := analytics.New(logger)
	manager.OnMetric(reporter.RecordMetric)
	manager.OnStateChange(func(ev link.StateChange) {
		logger.Info("connection state",
			"from", ev.Previous.String(),
			"to", ev.New.String(),
			"reason", ev.Reason,
			"generation", ev.Generation,
		)
		switch {
		case ev.New == link.StateConnected:
			reporter.RecordEvent(metrics.HistoryEvent{
				Type:      metrics.EventConnect,
				Timestamp: ev.Timestamp,
			})
		case ev.Previous == link.StateConnected:
			reporter.RecordEvent(metrics.HistoryEvent{
				Type:      metrics.EventDisconnect,
				Timestamp: ev.Timestamp,
				Metadata:  map[string]string{"reason": ev.Reason},
			})
		}
	})

	// Health/stats endpoint
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg, manager, offline, estimator, monitor, reporter),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	// Connect. A dial failure is not fatal; the manager keeps retrying in
	// the background.
	err = manager.Connect(ctx, cfg.Link.Address, link.ConnectParams{
		SessionID:    cfg.Instance.SessionID,
		Token:        cfg.Link.Token,
		TokenRefresh: tokenRefresher(*configPath, logger),
	})
	if err != nil {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	logger.Info("edgelink running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("edgelink stopped")
}

// buildStore constructs the queue store for the configured backend and
// returns a close function for its resources.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Store, func(), error) {
	switch cfg.Queue.Backend {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Queue.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return queue.NewPostgresStore(pool, logger), pool.Close, nil

	case "redis":
		store, err := queue.NewRedisStore(cfg.Queue.RedisURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create redis store: %w", err)
		}
		return store, func() { store.Close() }, nil

	default:
		return queue.NewMemoryStore(), func() {}, nil
	}
}

// buildStrategies merges configured per-tier overrides onto the default
// strategy table. Zero fields keep the default for that tier. Tier names
// were validated with the config.
func buildStrategies(overrides map[string]config.StrategyConfig) map[netquality.Tier]netquality.Strategy {
	strategies := make(map[netquality.Tier]netquality.Strategy, len(overrides))
	for name, o := range overrides {
		tier, err := netquality.ParseTier(name)
		if err != nil {
			continue
		}
		s := netquality.StrategyFor(tier)
		if o.MaxAttempts > 0 {
			s.MaxAttempts = o.MaxAttempts
		}
		if o.InitialDelay > 0 {
			s.InitialDelay = o.InitialDelay
		}
		if o.MaxDelay > 0 {
			s.MaxDelay = o.MaxDelay
		}
		if o.BackoffFactor > 0 {
			s.BackoffFactor = o.BackoffFactor
		}
		if o.HeartbeatInterval > 0 {
			s.HeartbeatInterval = o.HeartbeatInterval
		}
		if o.HeartbeatTimeout > 0 {
			s.HeartbeatTimeout = o.HeartbeatTimeout
		}
		strategies[tier] = s
	}
	return strategies
}

// tokenRefresher re-reads the config file, picking up a token the operator
// rotated on disk. The peer rejecting the old token is the trigger.
func tokenRefresher(configPath string, logger *slog.Logger) link.TokenRefreshFunc {
	return func(ctx context.Context) (string, error) {
		cfg, err := config.LoadAndValidate(configPath)
		if err != nil {
			return "", fmt.Errorf("reload config for token: %w", err)
		}
		if cfg.Link.Token == "" {
			return "", fmt.Errorf("no token in %s", configPath)
		}
		logger.Info("token reloaded from config")
		return cfg.Link.Token, nil
	}
}

// createHealthHandler serves connection state, queue stats, the latest
// network measurement, and the analytics report as JSON.
func createHealthHandler(
	cfg *config.Config,
	manager *link.Manager,
	offline *queue.Queue,
	estimator *netquality.Estimator,
	monitor *netstatus.Monitor,
	reporter *analytics.Analytics,
) http.Handler {
	mux := http.NewServeMux()

	path := cfg.Health.Path
	if path == "" {
		path = "/health"
	}

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		state := manager.State()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		switch state {
		case link.StateConnected:
		case link.StateFailed, link.StateDestroyed:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		health.Components["link"] = map[string]any{
			"state":         state.String(),
			"attempts":      manager.Attempts(),
			"connection_id": manager.ConnectionID(),
			"session_id":    manager.SessionID(),
		}
		health.Components["network"] = map[string]any{
			"online":      monitor.Online(),
			"measurement": estimator.Last(),
		}

		if stats, err := offline.Stats(ctx); err != nil {
			health.Components["queue"] = map[string]string{"status": "unavailable", "error": err.Error()}
		} else {
			health.Components["queue"] = stats
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/report", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reporter.DetailedReport())
	})

	return mux
}
