// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the device-side tunnel endpoint. It keeps one
// authenticated session to the cloud bridge open and forwards HTTP and
// WebSocket traffic to services on the device.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/dtunnel/pkg/bootstrap"
	"github.com/absmach/dtunnel/pkg/breaker"
	"github.com/absmach/dtunnel/pkg/health"
	"github.com/absmach/dtunnel/pkg/metrics"
	"github.com/absmach/dtunnel/pkg/ratelimit"
	"github.com/absmach/dtunnel/pkg/transport"
	"github.com/absmach/dtunnel/pkg/tunnel"
)

const envPrefix = "DTUNNEL_"

// Config holds the application configuration.
type Config struct {
	// Bridge session
	BridgeHost   string `env:"BRIDGE_HOST"`
	BridgePort   int    `env:"BRIDGE_PORT"    envDefault:"4000"`
	SessionToken string `env:"SESSION_TOKEN"`
	Secure       bool   `env:"SECURE"         envDefault:"false"`

	// Local services
	LocalHost string `env:"LOCAL_HOST" envDefault:"localhost"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Circuit breaker guarding local dials
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Rate limiting for connection opens
	OpenRateCapacity int64 `env:"OPEN_RATE_CAPACITY" envDefault:"100"`
	OpenRateRefill   int64 `env:"OPEN_RATE_REFILL"   envDefault:"10"`

	// Session lifecycle
	ReconnectMin    time.Duration `env:"RECONNECT_MIN"    envDefault:"1s"`
	ReconnectMax    time.Duration `env:"RECONNECT_MAX"    envDefault:"1m"`
	TombstoneGrace  time.Duration `env:"TOMBSTONE_GRACE"  envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	info, err := bootstrap.FromAggregate(map[string]any{
		bootstrap.KeyHost:         cfg.BridgeHost,
		bootstrap.KeyPort:         cfg.BridgePort,
		bootstrap.KeySessionToken: cfg.SessionToken,
	})
	if err != nil {
		logger.Error("Invalid bridge configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	info.Secure = cfg.Secure

	bridgeURL, err := info.URL()
	if err != nil {
		logger.Error("Invalid bridge address", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting device tunnel",
		slog.String("bridge", net.JoinHostPort(cfg.BridgeHost, strconv.Itoa(cfg.BridgePort))),
		slog.String("local_host", cfg.LocalHost))

	m := metrics.New("dtunnel")
	go startMetricsServer(cfg.MetricsPort, logger)

	var sessionUp atomic.Bool
	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("session", health.SessionCheck(sessionUp.Load))
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 2,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(cfg.LocalHost).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(cfg.LocalHost).Inc()
		}
	})

	factory := &transport.Factory{
		Breaker:   cb,
		LocalHost: cfg.LocalHost,
		Logger:    logger,
	}
	openLimit := ratelimit.NewTokenBucket(cfg.OpenRateCapacity, cfg.OpenRateRefill)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runSessions(ctx, cfg, bridgeURL.String(), factory, openLimit, m, &sessionUp, logger)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		logger.Error("Device tunnel terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Device tunnel stopped")
}

// runSessions keeps a bridge session alive, reconnecting with backoff after
// transport failures. A clean close from the bridge ends the loop.
func runSessions(ctx context.Context, cfg Config, url string, factory *transport.Factory, openLimit *ratelimit.TokenBucket, m *metrics.Metrics, sessionUp *atomic.Bool, logger *slog.Logger) error {
	b := &backoff.Backoff{
		Min:    cfg.ReconnectMin,
		Max:    cfg.ReconnectMax,
		Jitter: true,
	}

	for {
		mgr, err := tunnel.Connect(ctx, tunnel.Config{
			URL:             url,
			Factory:         factory,
			OpenLimit:       openLimit,
			TombstoneGrace:  cfg.TombstoneGrace,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
			Metrics:         m,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d := b.Duration()
			logger.Warn("Bridge connection failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", d))
			if err := sleep(ctx, d); err != nil {
				return err
			}
			continue
		}

		b.Reset()
		sessionUp.Store(true)
		err = mgr.Run(ctx)
		sessionUp.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			logger.Info("Bridge closed the session")
			return nil
		}

		d := b.Duration()
		logger.Warn("Session lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", d))
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopSignalHandler cancels the root context on SIGINT or SIGTERM.
func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}
