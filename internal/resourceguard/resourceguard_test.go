package resourceguard

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestShouldAcceptConnectionAtLimit(t *testing.T) {
	var conns int64 = 5
	g := New(Config{MaxConnections: 5, CPURejectThreshold: 90}, zerolog.Nop(), &conns)

	ok, reason := g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "at max connections", reason)
}

func TestShouldAcceptConnectionBelowLimit(t *testing.T) {
	var conns int64 = 4
	g := New(Config{MaxConnections: 5, CPURejectThreshold: 90}, zerolog.Nop(), &conns)

	ok, _ := g.ShouldAcceptConnection()
	assert.True(t, ok)
}

func TestShouldAcceptConnectionRejectsOnHighCPU(t *testing.T) {
	var conns int64
	g := New(Config{MaxConnections: 100, CPURejectThreshold: 50}, zerolog.Nop(), &conns)
	g.currentCPU.Store(75.0)

	ok, reason := g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "CPU overload", reason)
}

func TestShouldPauseIngestAtPauseThreshold(t *testing.T) {
	var conns int64
	g := New(Config{MaxConnections: 100, CPUPauseThreshold: 60}, zerolog.Nop(), &conns)

	g.currentCPU.Store(50.0)
	assert.False(t, g.ShouldPauseIngest())

	g.currentCPU.Store(70.0)
	assert.True(t, g.ShouldPauseIngest())
}

func TestStatsReportsCurrentCounters(t *testing.T) {
	var conns int64 = 3
	g := New(Config{MaxConnections: 10, CPURejectThreshold: 90, CPUPauseThreshold: 70}, zerolog.Nop(), &conns)

	stats := g.Stats()
	assert.Equal(t, int64(3), stats["current_connections"])
	assert.Equal(t, 10, stats["max_connections"])
}
