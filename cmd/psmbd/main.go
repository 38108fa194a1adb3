// Command psmbd runs the PSMB pub/sub message broker: it owns the TCP
// listener (optionally TLS-wrapped), the admin/metrics HTTP listener,
// and the worker pool that drives each accepted connection's session
// state machine to completion.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/psmb/internal/adminfeed"
	"github.com/adred-codev/psmb/internal/broker"
	"github.com/adred-codev/psmb/internal/config"
	"github.com/adred-codev/psmb/internal/dispatcher"
	"github.com/adred-codev/psmb/internal/logging"
	"github.com/adred-codev/psmb/internal/metrics"
	"github.com/adred-codev/psmb/internal/platform"
	"github.com/adred-codev/psmb/internal/ratelimit"
	"github.com/adred-codev/psmb/internal/resourceguard"
	"github.com/adred-codev/psmb/internal/session"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootstrapLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatConsole})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting psmbd")
	cfg.Print()

	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		memLimit, err := platform.MemoryLimit()
		if err != nil {
			logger.Warn().Err(err).Msg("could not detect cgroup memory limit")
		}
		maxConns = platform.DefaultMaxConnections(memLimit)
		logger.Info().Int64("memory_limit_bytes", memLimit).Int("max_connections", maxConns).Msg("auto-detected connection ceiling")
	}

	disp := dispatcher.New(logger)

	connCounter := new(int64)
	guard := resourceguard.New(resourceguard.Config{
		MaxConnections:     maxConns,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
	}, logger, connCounter)

	limiter := ratelimit.New(ratelimit.Config{
		IPRate:      cfg.ConnRatePerSec,
		IPBurst:     cfg.ConnBurst,
		GlobalRate:  cfg.GlobalConnRatePerSec,
		GlobalBurst: cfg.GlobalConnBurst,
	}, logger)
	defer limiter.Stop()

	b := broker.New(broker.Config{
		MaxWorkers:      cfg.MaxWorkers,
		WorkerQueueSize: cfg.WorkerQueueSize,
		Session: session.Config{
			KeepaliveSeconds:   cfg.KeepaliveSeconds,
			MaxKeepaliveMisses: cfg.MaxKeepaliveMiss,
			MaxStringBytes:     cfg.MaxStringBytes,
		},
	}, disp, guard, limiter, connCounter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sampleResources(ctx, guard, config.MetricsFlushInterval)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen")
	}
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load TLS certificate")
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
		logger.Info().Msg("TLS enabled for PSMB listener")
	}

	b.Start(ctx)
	go func() {
		if err := b.Serve(ctx, ln); err != nil {
			logger.Error().Err(err).Msg("accept loop exited with error")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("PSMB listener started")

	admin := startAdminServer(cfg, disp, guard, limiter, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	_ = ln.Close()
	b.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

func sampleResources(ctx context.Context, guard *resourceguard.Guard, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cpuPct, _, err := guard.Sample()
			if err == nil {
				metrics.ResourceGuardCPUPercent.Set(cpuPct)
			}
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			metrics.ResourceGuardMemoryBytes.Set(float64(mem.Alloc))
			metrics.ResourceGuardGoroutines.Set(float64(runtime.NumGoroutine()))
		case <-ctx.Done():
			return
		}
	}
}

func startAdminServer(cfg *config.Config, disp *dispatcher.Dispatcher, guard *resourceguard.Guard, limiter *ratelimit.Limiter, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/admin/live", adminfeed.Handler(logger, 2*time.Second, func() adminfeed.Snapshot {
		return adminfeed.Snapshot{
			Timestamp:          time.Now(),
			DispatcherSize:     disp.Size(),
			ResourceGuardStats: guard.Stats(),
			RateLimiterStats:   limiter.Stats(),
		}
	}))

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("admin/metrics server started")
	return srv
}
