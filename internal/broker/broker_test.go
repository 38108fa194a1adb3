package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/psmb/internal/dispatcher"
	"github.com/adred-codev/psmb/internal/session"
	"github.com/adred-codev/psmb/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startTestBroker(t *testing.T) (net.Addr, *dispatcher.Dispatcher, func()) {
	t.Helper()
	disp := dispatcher.New(zerolog.Nop())
	b := New(Config{
		MaxWorkers:      4,
		WorkerQueueSize: 16,
		Session:         session.Config{MaxStringBytes: 65536},
	}, disp, nil, nil, nil, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	go b.Serve(ctx, ln)

	cleanup := func() {
		cancel()
		_ = ln.Close()
		b.Shutdown()
	}
	return ln.Addr(), disp, cleanup
}

func handshakeClient(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	_, err = conn.Write(append([]byte(wire.Magic), 0, 0, 0, 2, 0, 0, 0, 0))
	require.NoError(t, err)

	reply := make([]byte, 7)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	require.Equal(t, "OK\x00\x00\x00\x00\x00", string(reply))
	return conn
}

func TestBrokerEndToEndPublishSubscribe(t *testing.T) {
	addr, _, cleanup := startTestBroker(t)
	defer cleanup()

	sub := handshakeClient(t, addr)
	defer sub.Close()

	_, err := sub.Write([]byte(wire.TokenSUB))
	require.NoError(t, err)
	_, err = sub.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	_, err = sub.Write(append([]byte("chat\\..*"), 0))
	require.NoError(t, err)

	reply := make([]byte, 3)
	_, err = sub.Read(reply)
	require.NoError(t, err)
	require.Equal(t, "OK\x00", string(reply))

	pub := handshakeClient(t, addr)
	defer pub.Close()

	_, err = pub.Write([]byte(wire.TokenPUB))
	require.NoError(t, err)
	_, err = pub.Write(append([]byte("chat.en"), 0))
	require.NoError(t, err)

	pubReply := make([]byte, 3)
	_, err = pub.Read(pubReply)
	require.NoError(t, err)
	require.Equal(t, "OK\x00", string(pubReply))

	_, err = pub.Write([]byte(wire.TokenMSG))
	require.NoError(t, err)
	length := make([]byte, 8)
	length[7] = 5
	_, err = pub.Write(length)
	require.NoError(t, err)
	_, err = pub.Write([]byte("hello"))
	require.NoError(t, err)

	_ = sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgToken := make([]byte, 3)
	_, err = sub.Read(msgToken)
	require.NoError(t, err)
	require.Equal(t, wire.TokenMSG, string(msgToken))

	msgLen := make([]byte, 8)
	_, err = sub.Read(msgLen)
	require.NoError(t, err)
	require.Equal(t, byte(5), msgLen[7])

	payload := make([]byte, 5)
	_, err = sub.Read(payload)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
}
