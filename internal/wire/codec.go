// Package wire implements the PSMB binary framing primitives: fixed-width
// big-endian integers, length-prefixed blobs, and NUL-terminated ASCII
// strings read from and written to a byte stream.
//
// All multi-byte integers on the wire are big-endian unsigned. Callers
// build higher-level frames (handshake, mode selection, MSG frames) on top
// of the primitives here; this package knows nothing about sessions,
// dispatch, or protocol state.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// DefaultMaxStringBytes bounds read_cstring when the caller doesn't supply
// an explicit cap. The source leaves this unspecified; 64 KiB prevents a
// malicious client from exhausting memory with an unterminated string.
const DefaultMaxStringBytes = 64 * 1024

// Sentinel errors surfaced by this package. Session code matches on these
// with errors.Is rather than inspecting error strings.
var (
	// ErrUnexpectedEOF indicates the peer closed the connection before the
	// requested number of bytes arrived.
	ErrUnexpectedEOF = errors.New("wire: unexpected eof")

	// ErrStringTooLong indicates a NUL-terminated string exceeded its cap
	// before a terminator was found.
	ErrStringTooLong = errors.New("wire: cstring exceeds max length")
)

// Reader wraps a byte stream with the PSMB read primitives. It is not safe
// for concurrent use by multiple goroutines; each session owns exactly one.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r with buffering sized for typical frame headers.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadExact returns exactly n bytes read from the stream, or
// ErrUnexpectedEOF if the peer closes (or any other non-timeout read
// error occurs) before n bytes have arrived. The partial buffer is never
// returned to the caller on failure. A deadline timeout (net.Error with
// Timeout() true, e.g. from a keepalive-armed SetReadDeadline) is
// returned unwrapped so callers can distinguish "nothing arrived within
// K seconds" from a genuinely closed connection.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if isTimeout(err) {
			return nil, err
		}
		return nil, ErrUnexpectedEOF
	}
	return buf, nil
}

// ReadByte reads a single byte, translating any non-timeout error to
// ErrUnexpectedEOF.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		if isTimeout(err) {
			return 0, err
		}
		return 0, ErrUnexpectedEOF
	}
	return b, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReadUint32 reads a 4-byte big-endian unsigned integer.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadExact(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads an 8-byte big-endian unsigned integer.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadExact(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadCString reads bytes up to and excluding a NUL terminator. maxBytes
// bounds the scan (0 or negative means DefaultMaxStringBytes); exceeding it
// without finding a terminator returns ErrStringTooLong.
func (r *Reader) ReadCString(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxStringBytes
	}
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0x00 {
			return out, nil
		}
		if len(out) >= maxBytes {
			return nil, ErrStringTooLong
		}
		out = append(out, b)
	}
}

// Writer wraps a byte stream with the PSMB write primitive. Not safe for
// concurrent use; each session owns exactly one.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteAll writes the full buffer, returning the underlying writer's
// error, unwrapped, on any short write.
func (w *Writer) WriteAll(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

// WriteUint32 writes v as a 4-byte big-endian unsigned integer.
func (w *Writer) WriteUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return w.WriteAll(b[:])
}

// WriteUint64 writes v as an 8-byte big-endian unsigned integer.
func (w *Writer) WriteUint64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return w.WriteAll(b[:])
}

// WriteCString writes b followed by a single NUL terminator.
func (w *Writer) WriteCString(b []byte) error {
	if err := w.WriteAll(b); err != nil {
		return err
	}
	return w.WriteAll([]byte{0x00})
}
