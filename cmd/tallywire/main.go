// Command tallywire launches the result ingest gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tallywire/tallywire/config"
	"github.com/tallywire/tallywire/internal/catalog"
	"github.com/tallywire/tallywire/internal/feed"
	"github.com/tallywire/tallywire/internal/observability"
	httpserver "github.com/tallywire/tallywire/internal/server/http"
	"github.com/tallywire/tallywire/internal/store"
	"github.com/tallywire/tallywire/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	gatewayLoggerPrefix      = "tallywire "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleWaitTimeout     = 10 * time.Second
	feedShutdownTimeout      = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, addr=%s", appCfg.Environment, appCfg.Server.Addr)

	observability.SetLogger(observability.NewStdLogger(logger, appCfg.Environment == config.EnvDev))

	cat, err := catalog.Load(appCfg.Catalog.Path)
	if err != nil {
		logger.Fatalf("load district catalog: %v", err)
	}
	logger.Printf("district catalog loaded: districts=%d", cat.Len())

	telemetryProvider, metrics, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	broadcaster := feed.NewBroadcaster(feed.Config{
		BufferSize:   appCfg.Feed.BufferSize,
		DropQueueCap: appCfg.Feed.DropQueueCap,
		OnDrop: func(n int64) {
			metrics.EventsDropped(context.Background(), n)
		},
	})

	resultStore := store.New(broadcaster)

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(appCfg, resultStore, cat, metrics)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("ingest API listening on %s", apiServer.Addr)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		broadcaster: broadcaster,
		telemetry:   telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.Config) (*telemetry.Provider, *telemetry.Metrics, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = appCfg.Telemetry.Enabled
	telemetryCfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(appCfg.Environment)
	if appCfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = appCfg.Telemetry.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize metrics: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, metrics, nil
}

func buildAPIServer(appCfg config.Config, st *store.Store, cat *catalog.Catalog, metrics *telemetry.Metrics) *http.Server {
	handler := httpserver.NewHandler(appCfg.Environment, st, cat, metrics, httpserver.Options{
		MaxBodyBytes: appCfg.Server.MaxBodyBytes,
		AutoRecalc:   appCfg.Ingest.AutoRecalc,
	})

	return &http.Server{
		Addr:              appCfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: appCfg.Server.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ingest server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	broadcaster *feed.Broadcaster
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping ingest server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleWaitTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.broadcaster != nil {
		shutdownStep("closing live feed", feedShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.broadcaster.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
