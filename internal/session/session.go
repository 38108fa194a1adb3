// Package session implements the per-connection PSMB state machine:
// handshake, mode selection, and the publish/subscribe loops, driven to
// completion by one worker per connection (see internal/broker).
package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode"

	"github.com/adred-codev/psmb/internal/dispatcher"
	"github.com/adred-codev/psmb/internal/metrics"
	"github.com/adred-codev/psmb/internal/pattern"
	"github.com/adred-codev/psmb/internal/wire"
	"github.com/rs/zerolog"
)

// Role identifies which half of the protocol a session settled into after
// mode selection.
type Role string

const (
	RoleUnknown    Role = "unknown"
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Errors a session can terminate with. Callers match them with errors.Is
// for metrics/logging, never by string.
var (
	ErrInvalidMessage    = errors.New("session: invalid message")
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrInsensibleClient  = errors.New("session: insensible client")
)

// Config carries the per-session tunables the broker's listener loop
// supplies to every new session.
type Config struct {
	// KeepaliveSeconds is the keepalive interval. <= 0 disables keepalive
	// (infinite wait). Values in (0,3] are rejected by the config loader
	// before a Session is ever constructed.
	KeepaliveSeconds int

	// MaxKeepaliveMisses is the outstanding-keepalive counter ceiling
	// (default 3).
	MaxKeepaliveMisses int

	// MaxStringBytes bounds NUL-terminated string reads (see
	// wire.DefaultMaxStringBytes).
	MaxStringBytes int
}

// Session drives one TCP connection through the PSMB protocol to
// completion. A Session is driven by the worker that owns the connection;
// in subscriber mode a helper goroutine started by subscribeLoop also
// reads command tokens from it. It is not safe for any other concurrent
// use.
type Session struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	cfg  Config
	disp *dispatcher.Dispatcher
	log  zerolog.Logger

	peer    string
	role    Role
	version int

	// publisher state
	topic string

	// subscriber state
	sub *dispatcher.Subscription

	outstandingKeepalives int
}

// New constructs a Session bound to conn. logger is expected to already be
// tagged with anything the caller wants on every line (service name etc.);
// New adds the peer address.
func New(conn net.Conn, disp *dispatcher.Dispatcher, cfg Config, logger zerolog.Logger) *Session {
	peer := conn.RemoteAddr().String()
	return &Session{
		conn: conn,
		r:    wire.NewReader(conn),
		w:    wire.NewWriter(conn),
		cfg:  cfg,
		disp: disp,
		log:  logger.With().Str("peer", peer).Logger(),
		peer: peer,
		role: RoleUnknown,
	}
}

// Run executes the full session lifecycle: handshake, mode-selection loop,
// then whichever of the publish/subscribe loops the client selected. Run
// always performs teardown before returning, regardless of how the session
// ends.
func (s *Session) Run() {
	defer s.teardown()

	ok, err := s.handshake()
	if err != nil || !ok {
		return
	}

	for {
		cont, err := s.selectMode()
		if err != nil {
			s.logTerminal(err)
			return
		}
		if !cont {
			return
		}
		// selectMode returning (true, nil) means a recoverable failure
		// (bad pattern, non-ASCII) was reported and the client may retry
		// mode selection; loop again.
		if s.role == RoleUnknown {
			continue
		}
		break
	}

	metrics.SessionsTotal.WithLabelValues(string(s.role)).Inc()
	metrics.SessionsActive.WithLabelValues(string(s.role)).Inc()
	defer metrics.SessionsActive.WithLabelValues(string(s.role)).Dec()

	var runErr error
	switch s.role {
	case RolePublisher:
		runErr = s.publishLoop()
	case RoleSubscriber:
		runErr = s.subscribeLoop()
	}
	if runErr != nil {
		s.logTerminal(runErr)
	} else {
		s.log.Info().Str("role", string(s.role)).Msg("session closed")
	}
}

// teardown runs unconditionally on every exit path: unsubscribe (if a
// Subscription was held), and close the socket. Unsubscribe returns
// ErrSubscriberNotFound if the Subscription was already removed; that's
// expected and not logged as a fault.
func (s *Session) teardown() {
	if s.sub != nil {
		if err := s.disp.Unsubscribe(s.sub.Identity); err != nil && !errors.Is(err, dispatcher.ErrSubscriberNotFound) {
			s.log.Warn().Err(err).Msg("unsubscribe during teardown failed")
		}
		s.sub = nil
	}
	_ = s.conn.Close()
}

func (s *Session) logTerminal(err error) {
	s.log.Info().Err(err).Str("role", string(s.role)).Msg("session terminated")
}

// handshake implements the INIT state. Returns (true, nil) on success,
// (false, nil) on a clean rejection (already handled: reply written or
// deliberately withheld, socket will be closed by teardown), or (false,
// err) on I/O failure.
func (s *Session) handshake() (bool, error) {
	magic, err := s.r.ReadExact(4)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(magic, []byte(wire.Magic)) {
		// "magic != PSMB -> send nothing, close."
		metrics.HandshakeRejections.WithLabelValues("bad_magic").Inc()
		return false, nil
	}

	version, err := s.r.ReadUint32()
	if err != nil {
		return false, err
	}
	if version != wire.ProtocolV1 && version != wire.ProtocolV2 {
		metrics.HandshakeRejections.WithLabelValues("unsupported_version").Inc()
		_ = s.w.WriteAll(wire.UnsupportedProtocol)
		return false, nil
	}

	options, err := s.r.ReadExact(4)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(options, []byte{0, 0, 0, 0}) {
		// "options != four zero bytes -> close silently."
		metrics.HandshakeRejections.WithLabelValues("bad_options").Inc()
		return false, nil
	}

	if err := s.w.WriteAll(wire.HandshakeOK); err != nil {
		return false, err
	}
	s.version = int(version)
	s.log = s.log.With().Int("protocol_version", s.version).Logger()
	return true, nil
}

// selectMode reads one mode token and drives PUB/SUB setup. It returns
// (true, nil) when the session should keep running: either because mode
// selection succeeded (s.role is now set) or because a recoverable
// failure was reported and the caller should read another mode token. It
// returns (false, nil) after an unknown mode token, once BAD COMMAND has
// been written. Any non-nil error is fatal: an I/O failure, or
// ErrProtocolViolation when the subscriber identity is already taken.
func (s *Session) selectMode() (bool, error) {
	token, err := s.r.ReadExact(3)
	if err != nil {
		return false, err
	}

	switch string(token) {
	case wire.TokenPUB:
		return s.selectPublisher()
	case wire.TokenSUB:
		return s.selectSubscriber()
	default:
		_ = s.w.WriteAll(wire.BadCommand)
		return false, nil
	}
}

func (s *Session) selectPublisher() (bool, error) {
	topicBytes, err := s.r.ReadCString(s.cfg.MaxStringBytes)
	if err != nil {
		return false, err
	}
	if !isASCII(topicBytes) {
		if err := s.writeFailed("Topic must be ASCII."); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := s.w.WriteAll(wire.ModeOK); err != nil {
		return false, err
	}
	s.role = RolePublisher
	s.topic = string(topicBytes)
	s.log = s.log.With().Str("role", string(RolePublisher)).Str("topic", s.topic).Logger()
	return true, nil
}

func (s *Session) selectSubscriber() (bool, error) {
	options, err := s.r.ReadUint32()
	if err != nil {
		return false, err
	}
	patternBytes, err := s.r.ReadCString(s.cfg.MaxStringBytes)
	if err != nil {
		return false, err
	}

	// The optional 8-byte identity is part of the same client write
	// whenever options&1 != 0, regardless of whether the pattern that
	// precedes it turns out to be valid. It must be consumed off the
	// wire before any validation failure is reported, or the next mode
	// token read desyncs onto these unread bytes.
	var identity uint64
	hasExplicitID := options&1 != 0
	if hasExplicitID {
		identity, err = s.r.ReadUint64()
		if err != nil {
			return false, err
		}
	} else {
		identity = s.disp.NextAnonymousIdentity()
	}

	if !isASCII(patternBytes) {
		if err := s.writeFailed("Pattern must be ASCII."); err != nil {
			return false, err
		}
		return true, nil
	}

	compiled, err := pattern.Compile(string(patternBytes))
	if err != nil {
		if werr := s.writeFailed("Invalid pattern string."); werr != nil {
			return false, werr
		}
		return true, nil
	}

	sub, err := s.disp.Subscribe(identity, compiled)
	if err != nil {
		// SubscriberAlreadyExists: log, terminate the offending session.
		// No reply is specified for this case in the wire protocol.
		return false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if err := s.w.WriteAll(wire.ModeOK); err != nil {
		return false, err
	}
	s.role = RoleSubscriber
	s.sub = sub
	s.log = s.log.With().
		Str("role", string(RoleSubscriber)).
		Uint64("identity", identity).
		Str("pattern", compiled.String()).
		Logger()
	return true, nil
}

func (s *Session) writeFailed(reason string) error {
	return s.w.WriteAll(wire.Failed(reason))
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// keepaliveDeadline returns the read deadline to arm before the next
// blocking read, given K from config. A zero Time disables the deadline
// (infinite wait).
func (s *Session) keepaliveDeadline() time.Time {
	if s.cfg.KeepaliveSeconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(s.cfg.KeepaliveSeconds) * time.Second)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
