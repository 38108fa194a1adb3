package session

import (
	"fmt"
	"time"

	"github.com/adred-codev/psmb/internal/metrics"
	"github.com/adred-codev/psmb/internal/wire"
)

// cmdRead is one result from the background command-token reader
// goroutine spawned by subscribeLoop.
type cmdRead struct {
	token []byte
	err   error
}

// subscribeLoop drives the subscriber half of the protocol. The subscriber
// must wait on its client socket OR its subscription's notification
// channel, with an optional keepalive timeout, and react to whichever
// fires first without busy-looping.
//
// Go has no single primitive that multiplexes a blocking socket read with
// a channel, so the blocking socket read runs in a dedicated goroutine
// that posts each result to a channel, and the loop selects across that
// channel, the notify channel, and a timer. Exactly one of the three
// fires per iteration; no polling.
func (s *Session) subscribeLoop() error {
	cmdCh := make(chan cmdRead, 1)
	stopCh := make(chan struct{})
	defer close(stopCh)

	go s.readCommandLoop(cmdCh, stopCh)

	for {
		var timer *time.Timer
		var timerCh <-chan time.Time
		if s.cfg.KeepaliveSeconds > 0 {
			timer = time.NewTimer(time.Duration(s.cfg.KeepaliveSeconds) * time.Second)
			timerCh = timer.C
		}

		select {
		case result := <-cmdCh:
			stopTimer(timer)
			if result.err != nil {
				return result.err
			}
			done, err := s.handleSubscriberCommand(result.token)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case <-s.sub.Notify:
			stopTimer(timer)
			if err := s.drainAndDeliver(); err != nil {
				return err
			}

		case <-timerCh:
			if err := s.handleSubscribeTimeout(); err != nil {
				return err
			}
		}
	}
}

// readCommandLoop runs in its own goroutine for the lifetime of
// subscribeLoop, performing blocking 3-byte reads off the client socket
// and posting each outcome to cmdCh. It exits either after posting an
// error (the connection is done) or when stopCh is closed by the caller's
// teardown, whichever comes first, which bounds the goroutine's lifetime
// to the session's.
func (s *Session) readCommandLoop(cmdCh chan<- cmdRead, stopCh <-chan struct{}) {
	for {
		// No deadline on this read: the keepalive timer living in
		// subscribeLoop's select is what drives liveness, not this
		// goroutine's own read.
		_ = s.conn.SetReadDeadline(time.Time{})
		token, err := s.r.ReadExact(3)

		select {
		case cmdCh <- cmdRead{token: token, err: err}:
		case <-stopCh:
			return
		}

		if err != nil {
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// handleSubscriberCommand reacts to a command token read from the client
// socket. Returns (true, nil) on a clean BYE exit.
func (s *Session) handleSubscriberCommand(token []byte) (bool, error) {
	switch string(token) {
	case wire.TokenNIL:
		s.outstandingKeepalives = 0
		return false, nil
	case wire.TokenNOP:
		return false, s.w.WriteAll([]byte(wire.TokenNIL))
	case wire.TokenBYE:
		return true, nil
	default:
		return false, fmt.Errorf("%w: unrecognized subscriber command %q", ErrInvalidMessage, token)
	}
}

// drainAndDeliver empties the subscription's inbox and writes each entry
// to the client as a MSG frame. A single wakeup empties the inbox
// completely even if several messages were queued between wakeups.
func (s *Session) drainAndDeliver() error {
	entries := s.sub.DrainInbox()
	for _, entry := range entries {
		if err := s.w.WriteAll([]byte(wire.TokenMSG)); err != nil {
			return err
		}
		if err := s.w.WriteUint64(uint64(len(entry.Message))); err != nil {
			return err
		}
		if err := s.w.WriteAll(entry.Message); err != nil {
			return err
		}
	}
	return nil
}

// handleSubscribeTimeout fires when neither the socket nor the
// notification channel produced anything within the keepalive interval.
// The server originates the keepalive NOP here regardless of protocol
// version; only the publish side suppresses server-originated NOPs on v1.
func (s *Session) handleSubscribeTimeout() error {
	metrics.KeepaliveTimeouts.WithLabelValues(string(RoleSubscriber)).Inc()
	s.outstandingKeepalives++
	if s.outstandingKeepalives >= s.maxKeepaliveMisses() {
		metrics.InsensibleDisconnects.WithLabelValues(string(RoleSubscriber)).Inc()
		return fmt.Errorf("%w: exceeded %d outstanding keepalives", ErrInsensibleClient, s.cfg.MaxKeepaliveMisses)
	}
	return s.w.WriteAll([]byte(wire.TokenNOP))
}
