// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/wsrelay"
	"github.com/absmach/wsrelay/examples/simple"
	"github.com/absmach/wsrelay/pkg/breaker"
	"github.com/absmach/wsrelay/pkg/buffer"
	"github.com/absmach/wsrelay/pkg/delegate"
	"github.com/absmach/wsrelay/pkg/handshake"
	"github.com/absmach/wsrelay/pkg/health"
	"github.com/absmach/wsrelay/pkg/metrics"
	"github.com/absmach/wsrelay/pkg/ratelimit"
	"github.com/absmach/wsrelay/pkg/server"
	"github.com/absmach/wsrelay/pkg/session"
	"github.com/absmach/wsrelay/pkg/supervisor"
	"github.com/absmach/wsrelay/pkg/upstream"
	"github.com/absmach/wsrelay/pkg/ws"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "WSRELAY_"

// Config holds the service configuration that is not part of the relay itself.
type Config struct {
	// Observability
	MetricsPort   int    `env:"METRICS_PORT"   envDefault:"9090"`
	HealthPort    int    `env:"HEALTH_PORT"    envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT"     envDefault:"json"`
	MaxGoroutines int    `env:"MAX_GOROUTINES" envDefault:"50000"`
	InstanceID    string `env:"INSTANCE_ID"`

	// Session registry
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"       envDefault:"0"`
	SessionTTL    time.Duration `env:"SESSION_TTL"    envDefault:"24h"`

	// Rate limiting of upgrade requests per client IP
	RateLimitPerSecond  float64 `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst      int     `env:"RATE_LIMIT_BURST"      envDefault:"20"`
	RateLimitMaxClients int     `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"10000"`

	// Circuit breaker per upstream host
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		slog.Debug("no .env file found, using environment variables")
	}

	var svc Config
	if err := env.ParseWithOptions(&svc, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse service config: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(svc.LogLevel, svc.LogFormat)

	cfg, err := wsrelay.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("failed to load relay configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if svc.InstanceID == "" {
		svc.InstanceID, _ = os.Hostname()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("wsrelay", reg)

	sessions, err := newSessionStore(ctx, svc, logger)
	if err != nil {
		logger.Error("failed to create session store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sessions.Close()

	checker := health.NewChecker(10 * time.Second)
	goroutines := health.GoroutineCheck(svc.MaxGoroutines)
	checker.Register("goroutines", func(ctx context.Context) error {
		m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
		return goroutines(ctx)
	})
	checker.Register("sessions", health.StoreCheck(sessions))

	breakers := breaker.NewGroup(breaker.Config{
		MaxFailures:  svc.BreakerMaxFailures,
		ResetTimeout: svc.BreakerResetTimeout,
	})
	breakers.OnStateChange(func(host string, from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("upstream", host),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(host).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(host).Inc()
		}
	})

	connector := upstream.New(upstream.Config{
		Timeout:  cfg.UpstreamTimeout,
		Breakers: breakers,
		Logger:   logger,
	})

	sup := supervisor.New(supervisor.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Buffer: buffer.Limits{
			MaxFrames: cfg.MaxBufferedFrames,
			MaxBytes:  cfg.MaxBufferedBytes,
		},
		ClientSocket: ws.Options{
			MaxMessageSize: cfg.MaxMessageSize,
			PingInterval:   cfg.PingInterval,
			PongWait:       cfg.PongWait,
		},
		UpstreamSocket: ws.Options{
			MaxMessageSize: cfg.MaxMessageSize,
		},
		Instance: svc.InstanceID,
		Sessions: sessions,
		Metrics:  m,
		Logger:   logger,
	}, handshake.NewValidator(cfg.AllowedUpstreams), connector, simple.New(logger))

	app, err := delegate.New(cfg.AppURL, logger)
	if err != nil {
		logger.Error("failed to create application handler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(svc.RateLimitPerSecond, svc.RateLimitBurst, svc.RateLimitMaxClients)
	defer limiter.Close()

	srv := server.New(server.Config{
		Address:         cfg.Address(),
		Path:            cfg.Path,
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Limiter:         limiter,
		Metrics:         m,
		Logger:          logger,
	}, sup, app)

	g.Go(func() error {
		err := srv.Listen(ctx)
		if errors.Is(err, server.ErrShutdownTimeout) {
			logger.Warn("relays were force-closed during shutdown")
			return nil
		}
		return err
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", svc.MetricsPort, metricsMux, logger)
	})

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", checker.HTTPHandler())
	healthMux.HandleFunc("/ready", checker.ReadinessHandler())
	healthMux.HandleFunc("/live", health.LivenessHandler())
	healthMux.HandleFunc("/sessions", health.SessionsHandler(sessions))
	g.Go(func() error {
		return serveHTTP(ctx, "health", svc.HealthPort, healthMux, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	logger.Info("wsrelay started",
		slog.String("address", cfg.Address()),
		slog.String("path", cfg.Path),
		slog.String("instance", svc.InstanceID))

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("wsrelay service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("wsrelay service stopped")
}

func newSessionStore(ctx context.Context, cfg Config, logger *slog.Logger) (session.Store, error) {
	if cfg.RedisAddr == "" {
		return session.NewMemoryStore(), nil
	}

	store, err := session.NewRedisStore(ctx, session.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.SessionTTL,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("using Redis session registry", slog.String("address", cfg.RedisAddr))
	return store, nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
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

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("%s server started", name), slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
