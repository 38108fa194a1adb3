package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndMatch(t *testing.T) {
	p, err := Compile(`chat\.en`)
	require.NoError(t, err)
	assert.True(t, p.Matches("chat.en"))
	assert.False(t, p.Matches("chat.de"))
	assert.False(t, p.Matches("xchat.eny"))
}

func TestCompileGroup(t *testing.T) {
	p, err := Compile(`chat\.(en|de)`)
	require.NoError(t, err)
	assert.True(t, p.Matches("chat.en"))
	assert.True(t, p.Matches("chat.de"))
	assert.False(t, p.Matches("chat.fr"))
}

func TestCompileInvalid(t *testing.T) {
	_, err := Compile(`[`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestFullMatchAnchoring(t *testing.T) {
	// even without explicit anchors the match must be full-string
	p, err := Compile(`en`)
	require.NoError(t, err)
	assert.True(t, p.Matches("en"))
	assert.False(t, p.Matches("chat.en"))
}
