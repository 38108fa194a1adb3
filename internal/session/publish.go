package session

import (
	"fmt"

	"github.com/adred-codev/psmb/internal/metrics"
	"github.com/adred-codev/psmb/internal/wire"
)

// publishLoop drives the publisher half of the protocol. It repeatedly
// reads a 3-byte command token under a keepalive-aware deadline and reacts
// to NOP/NIL/BYE/MSG; anything else is a fatal InvalidMessage.
func (s *Session) publishLoop() error {
	for {
		if err := s.conn.SetReadDeadline(s.keepaliveDeadline()); err != nil {
			return err
		}

		token, err := s.r.ReadExact(3)
		if err != nil {
			if isTimeout(err) {
				if handled, terminate := s.handlePublishTimeout(); terminate {
					return handled
				}
				continue
			}
			return err
		}

		switch string(token) {
		case wire.TokenNOP:
			if err := s.w.WriteAll([]byte(wire.TokenNIL)); err != nil {
				return err
			}
		case wire.TokenNIL:
			s.outstandingKeepalives = 0
		case wire.TokenBYE:
			return nil
		case wire.TokenMSG:
			if err := s.handlePublishedMessage(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unrecognized publish command %q", ErrInvalidMessage, token)
		}
	}
}

// handlePublishTimeout handles a keepalive timeout on the publish side.
// Protocol v1 publishers never time out: the read is simply retried, and
// the server never originates a NOP toward them. Protocol v2 sends an
// unsolicited NOP and counts misses toward the configured ceiling.
//
// Returns (err, true) if the caller must terminate the session (ceiling
// hit or write failure); otherwise (nil, false) to keep looping.
func (s *Session) handlePublishTimeout() (error, bool) {
	if s.version == wire.ProtocolV1 {
		return nil, false
	}

	metrics.KeepaliveTimeouts.WithLabelValues(string(RolePublisher)).Inc()
	s.outstandingKeepalives++
	if s.outstandingKeepalives >= s.maxKeepaliveMisses() {
		metrics.InsensibleDisconnects.WithLabelValues(string(RolePublisher)).Inc()
		return fmt.Errorf("%w: exceeded %d outstanding keepalives", ErrInsensibleClient, s.cfg.MaxKeepaliveMisses), true
	}
	if err := s.w.WriteAll([]byte(wire.TokenNOP)); err != nil {
		return err, true
	}
	return nil, false
}

func (s *Session) maxKeepaliveMisses() int {
	if s.cfg.MaxKeepaliveMisses <= 0 {
		return 3
	}
	return s.cfg.MaxKeepaliveMisses
}

func (s *Session) handlePublishedMessage() error {
	length, err := s.r.ReadUint64()
	if err != nil {
		return err
	}
	payload, err := s.r.ReadExact(int(length))
	if err != nil {
		return err
	}
	s.disp.Publish(payload, s.topic)
	return nil
}
