package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadExact(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("hello world")))
	b, err := r.ReadExact(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
}

func TestReadExactShortRead(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("ab")))
	_, err := r.ReadExact(5)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF))
}

func TestReadCString(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("chat.en\x00trailing")))
	b, err := r.ReadCString(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("chat.en"), b)
}

func TestReadCStringNoTerminator(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("no-terminator")))
	_, err := r.ReadCString(0)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF))
}

func TestReadCStringTooLong(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("abcdef\x00")))
	_, err := r.ReadCString(3)
	assert.True(t, errors.Is(err, ErrStringTooLong))
}

func TestWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint32(1))
	require.NoError(t, w.WriteUint64(5))
	require.NoError(t, w.WriteCString([]byte("hello")))

	r := NewReader(&buf)
	v32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v32)

	v64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v64)

	s, err := r.ReadCString(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), s)
}

func TestHandshakeOKWireLayout(t *testing.T) {
	// the fixed 7-byte handshake reply: "OK" + NUL + four reserved zeros
	assert.Equal(t, []byte{'O', 'K', 0, 0, 0, 0, 0}, HandshakeOK)
	assert.Len(t, HandshakeOK, 7)
}
