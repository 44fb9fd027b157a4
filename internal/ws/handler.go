// Package ws is the local websocket gateway. Each websocket connection
// carries one relay RPC exchange with the same framing used between peers.
package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lumerelay/internal/conn"
	"lumerelay/internal/metrics"
)

// transportName labels gateway connections in metrics
const transportName = "ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// ConnServer serves one framed RPC connection
type ConnServer interface {
	Serve(ctx context.Context, f conn.Framer) error
}

// Handler handles WebSocket connections
type Handler struct {
	server  ConnServer
	metrics *metrics.Metrics
	mux     *http.ServeMux
	logger  zerolog.Logger
}

// NewHandler creates a new WebSocket handler. /metrics is served alongside
// the upgrade endpoint when m is non-nil.
func NewHandler(server ConnServer, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	h := &Handler{
		server:  server,
		metrics: m,
		mux:     http.NewServeMux(),
		logger:  logger.With().Str("component", "ws").Logger(),
	}

	h.mux.HandleFunc("/", h.serveWS)
	if m != nil {
		h.mux.Handle("/metrics", m.Handler())
	}

	return h
}

// ServeHTTP routes to the upgrade endpoint or metrics
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.metrics.ConnectionOpened(transportName)
	defer h.metrics.ConnectionClosed(transportName)

	logger := h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger()
	logger.Debug().Msg("new WebSocket connection")

	f := newFramer(c)
	if err := h.server.Serve(r.Context(), f); err != nil {
		if conn.IsNotRPC(err) {
			logger.Debug().Msg("connection did not select rpc, closing")
		} else {
			logger.Debug().Err(err).Msg("connection ended with error")
		}
	}
	f.Close()
}
