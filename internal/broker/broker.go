// Package broker implements the accept loop and a bounded pool of worker
// goroutines, each running the PSMB session state machine to completion.
// The worker pool itself provides no admission control; the resource
// guard and connection rate limiter consulted here are an outer layer
// that can refuse a connection before a worker ever sees it.
package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/psmb/internal/dispatcher"
	"github.com/adred-codev/psmb/internal/logging"
	"github.com/adred-codev/psmb/internal/metrics"
	"github.com/adred-codev/psmb/internal/ratelimit"
	"github.com/adred-codev/psmb/internal/resourceguard"
	"github.com/adred-codev/psmb/internal/session"
	"github.com/rs/zerolog"
)

// Config carries the tunables the broker needs beyond what it delegates
// to session.Config.
type Config struct {
	MaxWorkers      int
	WorkerQueueSize int
	Session         session.Config
}

// Broker owns the dispatcher, the worker pool, and the accept loop. One
// Broker instance exists per listening process.
type Broker struct {
	cfg    Config
	disp   *dispatcher.Dispatcher
	logger zerolog.Logger

	guard   *resourceguard.Guard
	limiter *ratelimit.Limiter

	queue chan net.Conn
	wg    sync.WaitGroup

	// connCounter is shared with the resource guard: the accept loop's
	// admission check and this broker's own live session count must agree,
	// so New takes the guard's counter pointer rather than keeping a
	// second, independently drifting one.
	connCounter *int64
}

// New constructs a Broker. guard and limiter may be nil to disable that
// admission layer (e.g. in tests). connCounter is the same pointer passed
// to resourceguard.New, kept in lockstep with live sessions; if nil, New
// allocates a private counter.
func New(cfg Config, disp *dispatcher.Dispatcher, guard *resourceguard.Guard, limiter *ratelimit.Limiter, connCounter *int64, logger zerolog.Logger) *Broker {
	if connCounter == nil {
		connCounter = new(int64)
	}
	return &Broker{
		cfg:         cfg,
		disp:        disp,
		logger:      logger.With().Str("component", "broker").Logger(),
		guard:       guard,
		limiter:     limiter,
		queue:       make(chan net.Conn, cfg.WorkerQueueSize),
		connCounter: connCounter,
	}
}

// Dispatcher returns the broker's dispatcher, for admin/metrics wiring.
func (b *Broker) Dispatcher() *dispatcher.Dispatcher { return b.disp }

// ActiveConnections returns the current session count.
func (b *Broker) ActiveConnections() int64 { return atomic.LoadInt64(b.connCounter) }

// Start launches cfg.MaxWorkers worker goroutines. Call before Serve.
func (b *Broker) Start(ctx context.Context) {
	metrics.WorkerQueueCapacity.Set(float64(b.cfg.WorkerQueueSize))
	for i := 0; i < b.cfg.MaxWorkers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
}

// Serve runs the accept loop against ln until ctx is cancelled or Accept
// fails terminally. Each accepted connection clears the admission layer
// (rate limiter, then resource guard) before being queued for a worker.
// If the queue is full the connection simply waits in the channel send;
// beyond the outer admission layer the broker makes no admission-control
// guarantees.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// A TLS-layer end-of-file from a client that vanished between
			// accept and handshake is not a listener failure; skip it and
			// keep accepting.
			if errors.Is(err, io.EOF) {
				continue
			}
			b.logger.Warn().Err(err).Msg("accept failed, continuing")
			continue
		}

		if !b.admit(conn) {
			continue
		}

		metrics.WorkerQueueDepth.Set(float64(len(b.queue)))
		select {
		case b.queue <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

// admit runs the outer admission layer. Returns false (connection
// already closed) if the connection is rejected.
func (b *Broker) admit(conn net.Conn) bool {
	host := conn.RemoteAddr().String()
	if b.limiter != nil {
		ip, _, _ := net.SplitHostPort(host)
		if ip == "" {
			ip = host
		}
		if !b.limiter.Allow(ip) {
			metrics.ConnectionAdmissionRejections.WithLabelValues("rate_limited").Inc()
			_ = conn.Close()
			return false
		}
	}
	if b.guard != nil {
		if ok, reason := b.guard.ShouldAcceptConnection(); !ok {
			b.logger.Warn().Str("peer", host).Str("reason", reason).Msg("connection rejected by resource guard")
			metrics.ConnectionAdmissionRejections.WithLabelValues("resource_guard").Inc()
			_ = conn.Close()
			return false
		}
	}
	return true
}

// worker pulls connections off the shared queue and runs each one's
// session to completion before returning for the next connection, one
// connection serviced at a time per worker.
func (b *Broker) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case conn := <-b.queue:
			metrics.WorkerQueueDepth.Set(float64(len(b.queue)))
			b.runSession(conn)
		case <-ctx.Done():
			return
		}
	}
}

// runSession drives one connection's session.Session to completion,
// recovering a panic so one faulting session never takes down the
// process, another session, or the accept loop.
func (b *Broker) runSession(conn net.Conn) {
	atomic.AddInt64(b.connCounter, 1)
	defer atomic.AddInt64(b.connCounter, -1)

	defer logging.RecoverPanic(b.logger, "session-worker", map[string]any{
		"peer": conn.RemoteAddr().String(),
	})
	defer conn.Close()

	sess := session.New(conn, b.disp, b.cfg.Session, b.logger)
	sess.Run()
}

// Shutdown waits for in-flight sessions to drain (sessions cancel
// themselves via their own I/O once the listener closes), then closes
// any connections still queued for a worker that will never come. The
// caller must have cancelled the context passed to Start/Serve first.
func (b *Broker) Shutdown() {
	b.wg.Wait()
	for {
		select {
		case conn := <-b.queue:
			_ = conn.Close()
		default:
			return
		}
	}
}
