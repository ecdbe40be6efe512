// Package transport is the HTTP/WebSocket edge: it upgrades client
// connections, adapts them to the hub's socket contract, and serves the
// health and metrics endpoints.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nimbuschat/relay/internal/hub"
	"github.com/nimbuschat/relay/internal/protocol"
)

// ServerConfig carries the transport settings.
type ServerConfig struct {
	Addr         string
	WriteTimeout time.Duration // per-frame write deadline
}

// Server owns the HTTP listener and the per-connection read loops.
type Server struct {
	cfg      ServerConfig
	hub      *hub.Hub
	logger   zerolog.Logger
	gatherer prometheus.Gatherer

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires the edge around an existing hub. gatherer feeds /metrics.
func NewServer(cfg ServerConfig, h *hub.Hub, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		hub:      h,
		logger:   logger.With().Str("component", "transport").Logger(),
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin through the platform's
			// gateway; auth happens on register, not via Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:           cfg.Addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start serves until Shutdown. Blocks; run it in its own goroutine.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down transport")
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	sock := newWSSocket(conn, s.cfg.WriteTimeout)

	result := s.hub.Register(sock, clientID, r.Header)
	if result == nil {
		// The hub already closed the socket with the refusal code.
		return
	}

	// First server frame: the initial resume token. Nothing is replayed on a
	// fresh session, so fromSeq starts past the (empty) log.
	welcome, err := protocol.Encode(&protocol.ResumeAck{
		Type:        protocol.TypeResumeAck,
		FromSeq:     1,
		ExpiresInMs: result.ExpiresInMs,
		ResumeToken: result.ResumeToken,
	})
	if err == nil {
		if sendErr := sock.Send(welcome, func(error) {}); sendErr != nil {
			s.logger.Debug().Err(sendErr).Str("client_id", clientID).Msg("Welcome frame refused")
		}
	}

	// Frames over the protocol cap are still read so the hub can close with
	// 1009 instead of gorilla failing the read outright.
	conn.SetReadLimit(2 * protocol.MaxFrameBytes)
	conn.SetPongHandler(func(string) error {
		s.hub.HandlePong(clientID)
		return nil
	})

	go s.readLoop(conn, sock, clientID)
}

// readLoop pumps inbound frames into the hub until the socket dies, then
// reports the close.
func (s *Server) readLoop(conn *websocket.Conn, sock *wsSocket, clientID string) {
	defer func() {
		sock.teardown()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			s.hub.HandleSocketClose(clientID, code, reason)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.hub.HandleFrame(clientID, data)
	}
}

// closeDetails maps a read error onto the close code/reason reported to the
// hub. Non-close errors (resets, timeouts) count as abnormal closure.
func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return hub.CloseAbnormal, "read_error"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.hub.ConnectionCount(),
	})
}
