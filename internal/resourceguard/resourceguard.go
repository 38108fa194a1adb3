// Package resourceguard implements an outer admission layer: static,
// explicitly configured limits and safety-valve checks consulted by the
// accept loop before a connection is ever handed to a session worker. It
// never touches PSMB wire semantics; once a connection clears this guard
// the worker pool applies no further admission control.
package resourceguard

import (
	"runtime"
	"sync/atomic"

	"github.com/adred-codev/psmb/internal/platform"
	"github.com/rs/zerolog"
)

// Config is the static, operator-supplied limit set.
type Config struct {
	MaxConnections     int
	CPURejectThreshold float64
	CPUPauseThreshold  float64
	MaxGoroutines      int
}

// Guard enforces Config against live process state.
type Guard struct {
	cfg          Config
	logger       zerolog.Logger
	cpuMonitor   *platform.CPUMonitor
	currentConns *int64

	currentCPU atomic.Value // float64
}

// New builds a Guard. currentConns is a pointer the caller's session
// workers keep updated with atomic.AddInt64/AddInt64(-1) as sessions
// start/end.
func New(cfg Config, logger zerolog.Logger, currentConns *int64) *Guard {
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = 100000
	}
	g := &Guard{
		cfg:          cfg,
		logger:       logger,
		cpuMonitor:   platform.NewCPUMonitor(logger),
		currentConns: currentConns,
	}
	g.currentCPU.Store(0.0)
	logger.Info().
		Str("cpu_mode", g.cpuMonitor.Mode()).
		Float64("cpu_allocation", g.cpuMonitor.GetAllocation()).
		Int("max_connections", cfg.MaxConnections).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Msg("resource guard initialized")
	return g
}

// ShouldAcceptConnection checks the hard connection ceiling, the CPU
// emergency brake, and the goroutine ceiling, in that order. It is called
// by the accept loop before dispatching to a worker.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	if g.cfg.MaxConnections > 0 && conns >= int64(g.cfg.MaxConnections) {
		return false, "at max connections"
	}
	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		return false, "CPU overload"
	}
	if goros := runtime.NumGoroutine(); goros > g.cfg.MaxGoroutines {
		return false, "goroutine limit exceeded"
	}
	return true, "ok"
}

// ShouldPauseIngest reports whether an external ingest path (e.g. the
// Kafka bridge publisher) should back off because CPU is critically
// high. The protocol itself has no flow-control concept beyond TCP
// backpressure; this only gates external ingest, never in-session MSG
// traffic.
func (g *Guard) ShouldPauseIngest() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// Sample refreshes the CPU gauge. Call periodically (e.g. every
// config.MetricsFlushInterval) from a single goroutine.
func (g *Guard) Sample() (cpuPercent float64, throttled platform.ThrottleStats, err error) {
	cpuPercent, throttled, err = g.cpuMonitor.GetPercent()
	if err != nil {
		return 0, platform.ThrottleStats{}, err
	}
	g.currentCPU.Store(cpuPercent)
	return cpuPercent, throttled, nil
}

// Stats returns a snapshot for the admin live-stats feed.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"max_connections":      g.cfg.MaxConnections,
		"current_connections":  atomic.LoadInt64(g.currentConns),
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  g.cfg.CPUPauseThreshold,
		"goroutines":           runtime.NumGoroutine(),
	}
}
