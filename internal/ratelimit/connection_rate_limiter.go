// Package ratelimit gates new-connection admission with a two-level
// token bucket (per-IP and global). It never touches in-session PUB/SUB
// traffic, only the accept loop's decision to hand a connection to a
// worker; message flow control stays TCP backpressure.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config configures a Limiter. Zero values take the defaults noted below.
type Config struct {
	IPRate      float64       // sustained connections/sec per IP (default 1.0)
	IPBurst     int           // burst connections per IP (default 10)
	IPTTL       time.Duration // stale-IP cleanup horizon (default 5m)
	GlobalRate  float64       // sustained connections/sec system-wide (default 50.0)
	GlobalBurst int           // burst connections system-wide (default 300)
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter enforces Config. The zero value is not usable; use New.
type Limiter struct {
	mu   sync.RWMutex
	ips  map[string]*ipEntry
	cfg  Config
	glob *rate.Limiter

	logger  zerolog.Logger
	stop    chan struct{}
	stopped sync.Once
}

// New constructs a Limiter and starts its background stale-entry sweep.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	l := &Limiter{
		ips:    make(map[string]*ipEntry),
		cfg:    cfg,
		glob:   rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger: logger.With().Str("component", "connection_rate_limiter").Logger(),
		stop:   make(chan struct{}),
	}
	go l.cleanupLoop()
	l.logger.Info().
		Float64("ip_rate", cfg.IPRate).Int("ip_burst", cfg.IPBurst).
		Float64("global_rate", cfg.GlobalRate).Int("global_burst", cfg.GlobalBurst).
		Msg("connection rate limiter started")
	return l
}

// Allow reports whether a new connection from ip may proceed, checking
// the global bucket before the per-IP bucket (cheap path first).
func (l *Limiter) Allow(ip string) bool {
	if !l.glob.Allow() {
		return false
	}
	return l.ipLimiter(ip).Allow()
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.RLock()
	entry, ok := l.ips[ip]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastAccess = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.ips[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst)
	l.ips[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.ips {
		if now.Sub(entry.lastAccess) > l.cfg.IPTTL {
			delete(l.ips, ip)
		}
	}
}

// Stop ends the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

// Stats returns a snapshot for the admin live-stats feed.
func (l *Limiter) Stats() map[string]any {
	l.mu.RLock()
	tracked := len(l.ips)
	l.mu.RUnlock()
	return map[string]any{
		"tracked_ips":  tracked,
		"ip_rate":      l.cfg.IPRate,
		"ip_burst":     l.cfg.IPBurst,
		"global_rate":  l.cfg.GlobalRate,
		"global_burst": l.cfg.GlobalBurst,
	}
}
