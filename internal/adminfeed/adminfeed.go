// Package adminfeed serves an operator-facing live-stats websocket feed
// on the same listener as /metrics: raw frame read/write via gobwas/ws,
// no HTTP routing framework. This feed is never a PSMB client, and the
// PSMB wire protocol never touches HTTP or WebSocket framing.
package adminfeed

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Snapshot is one JSON payload pushed to every connected admin feed
// client on each tick.
type Snapshot struct {
	Timestamp          time.Time      `json:"timestamp"`
	DispatcherSize     int            `json:"dispatcher_size"`
	SessionsByRole     map[string]int `json:"sessions_by_role"`
	ResourceGuardStats map[string]any `json:"resource_guard"`
	RateLimiterStats   map[string]any `json:"rate_limiter,omitempty"`
}

// SnapshotFunc produces the current Snapshot on demand; the caller
// supplies this so adminfeed stays decoupled from the dispatcher and
// resource guard's concrete types.
type SnapshotFunc func() Snapshot

// Handler upgrades the request to a raw websocket and pushes a Snapshot
// every interval until the client disconnects or write fails.
func Handler(logger zerolog.Logger, interval time.Duration, snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Debug().Err(err).Msg("admin feed upgrade failed")
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			payload, err := json.Marshal(snapshot())
			if err != nil {
				logger.Warn().Err(err).Msg("admin feed snapshot marshal failed")
				continue
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				logger.Debug().Err(err).Msg("admin feed client disconnected")
				return
			}
		}
	}
}
