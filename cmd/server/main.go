package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stagecue/rehearsal-gateway/internal/config"
	"github.com/stagecue/rehearsal-gateway/internal/device"
	"github.com/stagecue/rehearsal-gateway/internal/gateway"
	"github.com/stagecue/rehearsal-gateway/internal/observability"
	"github.com/stagecue/rehearsal-gateway/internal/power"
	"github.com/stagecue/rehearsal-gateway/internal/resilience"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty, cfg.LogFile)
	logger := observability.GetLogger()

	logger.Info().
		Str("addr", cfg.Addr()).
		Int("sample_rate", cfg.SampleRate).
		Str("transcriber_url", cfg.TranscriberURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Rehearsal Gateway Service starting")

	// Shared event bus carrying host and client environment signals
	bus := power.NewBus()

	// Host battery telemetry. A host without a readable battery is normal
	// (desktops, CI), so a failed start only degrades power awareness.
	retryConfig := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	monitor := power.NewMonitor(bus, time.Duration(cfg.BatteryPollInterval)*time.Millisecond, retryConfig, logger)
	if err := monitor.Start(); err != nil {
		logger.Warn().Err(err).Msg("Battery monitor unavailable, sessions run without host power telemetry")
		monitor = nil
	}

	// Host memory pressure telemetry
	memWatcher := power.NewMemoryWatcher(bus, cfg.MemoryThreshold, time.Duration(cfg.MemoryPollInterval)*time.Millisecond, logger)
	memWatcher.Start()

	gw := gateway.New(cfg, bus, monitor, device.NewHostProber(logger), logger)

	// Create HTTP server
	mux := http.NewServeMux()

	// Register rehearsal client WebSocket handler
	mux.HandleFunc("/streams/capture", gw.HandleClientWS())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - create health check functions here to avoid import cycles
	var transcriberCheck observability.HealthCheckFunc
	if cfg.TranscriberURL != "" {
		transcriberCheck = func(ctx context.Context) (bool, error) {
			// Dial and immediately close. Proves the endpoint accepts
			// upgrades without holding a streaming session open.
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.TranscriberURL, nil)
			if err != nil {
				return false, err
			}
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			conn.Close()
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(transcriberCheck))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run the server and the shutdown watcher under one context. SIGINT or
	// SIGTERM cancels the group, as does a listener failure.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	group.Go(func() error {
		logger.Info().
			Str("addr", cfg.Addr()).
			Str("endpoint", fmt.Sprintf("ws://%s/streams/capture", cfg.Addr())).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)

		memWatcher.Stop()
		if monitor != nil {
			monitor.Stop()
		}

		if shutdownErr != nil {
			return fmt.Errorf("server shutdown: %w", shutdownErr)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}

	logger.Info().Msg("Server exited gracefully")
}
