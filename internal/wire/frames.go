package wire

// Magic is the handshake prefix every PSMB connection opens with.
const Magic = "PSMB"

// Protocol versions the session state machine accepts at handshake.
const (
	ProtocolV1 = 1
	ProtocolV2 = 2
)

// Command tokens exchanged on the wire, all fixed 3-byte ASCII tokens.
// The variable-length replies (OK, UNSUPPORTED PROTOCOL, BAD COMMAND,
// FAILED) are defined below.
const (
	TokenNOP = "NOP"
	TokenNIL = "NIL"
	TokenBYE = "BYE"
	TokenMSG = "MSG"
	TokenPUB = "PUB"
	TokenSUB = "SUB"
)

// HandshakeOK is the exact 7-byte success reply to a valid handshake:
// "OK" + NUL + four reserved zero bytes.
var HandshakeOK = []byte("OK\x00\x00\x00\x00\x00")

// ModeOK is the exact reply after a successful PUB or SUB mode selection.
var ModeOK = []byte("OK\x00")

// UnsupportedProtocol is sent when the handshake version is not 1 or 2.
var UnsupportedProtocol = []byte("UNSUPPORTED PROTOCOL\x00")

// BadCommand is sent (then the socket is closed) on an unrecognized mode
// token. An unrecognized command inside the publish/subscribe loops gets
// no reply; the session just terminates.
var BadCommand = []byte("BAD COMMAND\x00")

// Failed builds a recoverable negative reply: "FAILED" + NUL + reason + NUL.
func Failed(reason string) []byte {
	out := make([]byte, 0, len("FAILED\x00")+len(reason)+1)
	out = append(out, "FAILED\x00"...)
	out = append(out, reason...)
	out = append(out, 0x00)
	return out
}
