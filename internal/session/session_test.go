package session

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/psmb/internal/dispatcher"
	"github.com/adred-codev/psmb/internal/pattern"
	"github.com/adred-codev/psmb/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// startSession wires conn's server half into a Session and runs it on its
// own goroutine, returning the client half of the pipe and a channel closed
// when Run returns. Tests drive the protocol from the client half exactly
// as a real peer would.
func startSession(t *testing.T, disp *dispatcher.Dispatcher, cfg Config) (net.Conn, chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sess := New(serverConn, disp, cfg, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()
	return clientConn, done
}

func newDispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(zerolog.Nop())
}

func waitDone(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("session did not terminate within the expected time")
	}
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)
}

func handshakeFrame(version uint32, options uint32) []byte {
	buf := make([]byte, 12)
	copy(buf[0:4], wire.Magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.BigEndian.PutUint32(buf[8:12], options)
	return buf
}

// doHandshake performs a successful handshake and requires the exact OK
// reply, leaving conn positioned to read the next mode-selection reply.
func doHandshake(t *testing.T, conn net.Conn, version uint32) {
	t.Helper()
	_, err := conn.Write(handshakeFrame(version, 0))
	require.NoError(t, err)
	reply := make([]byte, len(wire.HandshakeOK))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, wire.HandshakeOK, reply)
}

func subFrame(options uint32, patternText string, identity *uint64) []byte {
	buf := make([]byte, 0, 3+4+len(patternText)+1+8)
	buf = append(buf, wire.TokenSUB...)
	optBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(optBuf, options)
	buf = append(buf, optBuf...)
	buf = append(buf, patternText...)
	buf = append(buf, 0x00)
	if identity != nil {
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, *identity)
		buf = append(buf, idBuf...)
	}
	return buf
}

func pubFrame(topic string) []byte {
	buf := make([]byte, 0, 3+len(topic)+1)
	buf = append(buf, wire.TokenPUB...)
	buf = append(buf, topic...)
	buf = append(buf, 0x00)
	return buf
}

func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// --- handshake rejection ---

func TestHandshakeBadMagicClosesWithoutReply(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	_, err := conn.Write([]byte("PSMX"))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

func TestHandshakeUnsupportedVersionReply(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	_, err := conn.Write(handshakeFrame(3, 0))
	require.NoError(t, err)

	reply := readExact(t, conn, len(wire.UnsupportedProtocol))
	require.Equal(t, wire.UnsupportedProtocol, reply)
	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

func TestHandshakeBadOptionsClosesWithoutReply(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	_, err := conn.Write(handshakeFrame(1, 1))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

// --- mode selection: recoverable failures and retry ---

func TestBadPatternRecoveryThenRetry(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(subFrame(0, "[", nil))
	require.NoError(t, err)
	reply := readExact(t, conn, len(wire.Failed("Invalid pattern string.")))
	require.Equal(t, wire.Failed("Invalid pattern string."), reply)

	_, err = conn.Write(subFrame(0, ".*", nil))
	require.NoError(t, err)
	okReply := readExact(t, conn, len(wire.ModeOK))
	require.Equal(t, wire.ModeOK, okReply)

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)
	waitDone(t, done, 3*time.Second)
}

func TestNonASCIITopicRecoveryThenRetry(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(pubFrame("caf\xe9"))
	require.NoError(t, err)
	reply := readExact(t, conn, len(wire.Failed("Topic must be ASCII.")))
	require.Equal(t, wire.Failed("Topic must be ASCII."), reply)

	_, err = conn.Write(pubFrame("cafe"))
	require.NoError(t, err)
	okReply := readExact(t, conn, len(wire.ModeOK))
	require.Equal(t, wire.ModeOK, okReply)

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)
	waitDone(t, done, 3*time.Second)
}

func TestUnknownModeTokenTerminates(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write([]byte("XYZ"))
	require.NoError(t, err)

	reply := readExact(t, conn, len(wire.BadCommand))
	require.Equal(t, wire.BadCommand, reply)
	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

// --- explicit identity read past invalid-pattern validation ---

// A client that sets the explicit-id option bit and sends a non-ASCII
// pattern still writes the trailing 8 identity bytes in the same frame;
// the server must consume them before reporting FAILED, or the next mode
// token read desyncs onto the stale id bytes.
func TestExplicitIdentityConsumedBeforeNonASCIIPatternFailure(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	id := uint64(7)
	_, err := conn.Write(subFrame(1, "caf\xe9", &id))
	require.NoError(t, err)
	reply := readExact(t, conn, len(wire.Failed("Pattern must be ASCII.")))
	require.Equal(t, wire.Failed("Pattern must be ASCII."), reply)

	// The id bytes were already consumed with the failed frame; this SUB
	// must be read as a fresh mode token, not desynced onto stale bytes.
	_, err = conn.Write(subFrame(0, ".*", nil))
	require.NoError(t, err)
	okReply := readExact(t, conn, len(wire.ModeOK))
	require.Equal(t, wire.ModeOK, okReply)

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)
	waitDone(t, done, 3*time.Second)
}

// --- BYE clean exit, both loops ---

func TestPublisherBYECleanExit(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(pubFrame("chat.en"))
	require.NoError(t, err)
	okReply := readExact(t, conn, len(wire.ModeOK))
	require.Equal(t, wire.ModeOK, okReply)

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

func TestSubscriberBYECleanExit(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(subFrame(0, ".*", nil))
	require.NoError(t, err)
	okReply := readExact(t, conn, len(wire.ModeOK))
	require.Equal(t, wire.ModeOK, okReply)

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

// --- invalid command mid-loop ---

func TestPublishInvalidCommandTerminatesWithoutReply(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(pubFrame("chat.en"))
	require.NoError(t, err)
	_ = readExact(t, conn, len(wire.ModeOK))

	_, err = conn.Write([]byte("ZZZ"))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

func TestSubscribeInvalidCommandTerminatesWithoutReply(t *testing.T) {
	conn, done := startSession(t, newDispatcher(), Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(subFrame(0, ".*", nil))
	require.NoError(t, err)
	_ = readExact(t, conn, len(wire.ModeOK))

	_, err = conn.Write([]byte("ZZZ"))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

// --- SubscriberAlreadyExists through the full protocol path ---

func TestSubscriberAlreadyExistsTerminatesSession(t *testing.T) {
	disp := newDispatcher()
	compiled, err := pattern.Compile(".*")
	require.NoError(t, err)
	_, err = disp.Subscribe(42, compiled)
	require.NoError(t, err)

	conn, done := startSession(t, disp, Config{})
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	id := uint64(42)
	_, err = conn.Write(subFrame(1, ".*", &id))
	require.NoError(t, err)

	expectClosed(t, conn)
	waitDone(t, done, 3*time.Second)
}

// --- v2 keepalive: NOP origination and insensible-client disconnect ---

func TestSubscriberKeepaliveV2InsensibleClientDisconnects(t *testing.T) {
	cfg := Config{KeepaliveSeconds: 1, MaxKeepaliveMisses: 2}
	conn, done := startSession(t, newDispatcher(), cfg)
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV2)

	_, err := conn.Write(subFrame(0, ".*", nil))
	require.NoError(t, err)
	_ = readExact(t, conn, len(wire.ModeOK))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	nop := readExact(t, conn, len(wire.TokenNOP))
	require.Equal(t, wire.TokenNOP, string(nop))

	// Second unanswered timeout hits MaxKeepaliveMisses (2): the session
	// terminates without writing anything further.
	expectClosed(t, conn)
	waitDone(t, done, 5*time.Second)
}

func TestSubscriberKeepaliveV2StaysAliveWithNilReplies(t *testing.T) {
	cfg := Config{KeepaliveSeconds: 1, MaxKeepaliveMisses: 2}
	conn, done := startSession(t, newDispatcher(), cfg)
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV2)

	_, err := conn.Write(subFrame(0, ".*", nil))
	require.NoError(t, err)
	_ = readExact(t, conn, len(wire.ModeOK))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 3; i++ {
		nop := readExact(t, conn, len(wire.TokenNOP))
		require.Equal(t, wire.TokenNOP, string(nop))
		_, err = conn.Write([]byte(wire.TokenNIL))
		require.NoError(t, err)
	}

	select {
	case <-done:
		t.Fatal("session terminated despite acknowledging every keepalive")
	default:
	}

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)
	waitDone(t, done, 3*time.Second)
}

func TestPublisherKeepaliveV1NeverOriginatesNOP(t *testing.T) {
	cfg := Config{KeepaliveSeconds: 1, MaxKeepaliveMisses: 2}
	conn, done := startSession(t, newDispatcher(), cfg)
	defer conn.Close()

	doHandshake(t, conn, wire.ProtocolV1)

	_, err := conn.Write(pubFrame("chat.en"))
	require.NoError(t, err)
	_ = readExact(t, conn, len(wire.ModeOK))

	// Protocol v1 publishers never time out and the server never
	// originates an unsolicited NOP on this side; wait past several
	// keepalive intervals and confirm the session is still alive.
	_ = conn.SetReadDeadline(time.Now().Add(2500 * time.Millisecond))
	buf := make([]byte, 3)
	_, readErr := conn.Read(buf)
	require.Error(t, readErr)
	var netErr net.Error
	require.ErrorAs(t, readErr, &netErr)
	require.True(t, netErr.Timeout())

	select {
	case <-done:
		t.Fatal("v1 publisher session terminated on keepalive timeout")
	default:
	}

	_, err = conn.Write([]byte(wire.TokenBYE))
	require.NoError(t, err)
	waitDone(t, done, 3*time.Second)
}
