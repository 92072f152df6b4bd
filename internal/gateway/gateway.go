// Package gateway is the WebSocket ingest surface of the service. It maps
// the rehearsal client's JSON control protocol onto the capture core: each
// connection gets its own session state machine, detection engine, and
// optional transcription forwarder, wired to the process-wide environment
// bus and battery monitor. The core packages never see the transport.
package gateway

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/config"
	"github.com/stagecue/rehearsal-gateway/internal/device"
	"github.com/stagecue/rehearsal-gateway/internal/power"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate the rehearsal front-end's origin here
		// For now, allow all origins (development only)
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Gateway accepts rehearsal client connections and hands each one the
// process-wide collaborators it needs.
type Gateway struct {
	cfg     *config.Config
	bus     *power.Bus
	monitor *power.Monitor
	prober  device.Prober
	logger  zerolog.Logger
}

// New creates the gateway. The monitor may be nil when the host exposes no
// readable battery; sessions then run without low power adaptation.
func New(cfg *config.Config, bus *power.Bus, monitor *power.Monitor, prober device.Prober, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		bus:     bus,
		monitor: monitor,
		prober:  prober,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// HandleClientWS is the entry point for rehearsal client WebSocket
// connections. The handler returns when the client disconnects or asks to
// stop; everything the session owns is released before that.
func (g *Gateway) HandleClientWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		sess := newClientSession(conn, g)
		sess.logger.Info().Str("remote", r.RemoteAddr).Msg("Rehearsal client connected")
		sess.run()
	}
}

// generateSessionID generates a unique capture session ID
func generateSessionID() string {
	return fmt.Sprintf("sess-%s", uuid.New().String())
}
