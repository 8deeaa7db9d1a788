// Package api serves the membership view of a running node over HTTP and
// streams registry and latency events over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshprobe/internal/events"
	"meshprobe/internal/liveness"
	"meshprobe/internal/model"
	"meshprobe/internal/telemetry"
)

const (
	requestTimeout = 10 * time.Second
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = pingPeriod + 10*time.Second
	shutdownGrace  = 5 * time.Second
)

// Directory is the read side of the registry.
type Directory interface {
	List() []model.NodeRecord
	Get(id string) (model.NodeRecord, bool)
	LocalID() string
}

// Latencies answers latency history queries.
type Latencies interface {
	History(id string) (liveness.History, bool)
	Histories() map[string]liveness.History
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// Server is the node's HTTP API.
type Server struct {
	nodes   Directory
	self    func() SelfResponse
	latency Latencies
	events  EventSource
	log     *zap.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a server over nodes. self is called per /api/self request.
func NewServer(nodes Directory, self func() SelfResponse, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		nodes: nodes,
		self:  self,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// SetLatencies enables the latency routes.
func (s *Server) SetLatencies(l Latencies) { s.latency = l }

// SetEvents enables the /ws event stream.
func (s *Server) SetEvents(e EventSource) { s.events = e }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Method(http.MethodGet, "/healthz", telemetry.Instrument("healthz", http.HandlerFunc(s.handleHealth)))
		r.Method(http.MethodGet, "/metrics", telemetry.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Method(http.MethodGet, "/self", telemetry.Instrument("self", http.HandlerFunc(s.handleSelf)))
			r.Method(http.MethodGet, "/nodes", telemetry.Instrument("nodes", http.HandlerFunc(s.handleNodes)))
			r.Method(http.MethodGet, "/nodes/{id}", telemetry.Instrument("node", http.HandlerFunc(s.handleNode)))
			r.Method(http.MethodGet, "/nodes/{id}/latency", telemetry.Instrument("latency", http.HandlerFunc(s.handleLatency)))
			r.Method(http.MethodGet, "/latency", telemetry.Instrument("latencies", http.HandlerFunc(s.handleLatencies)))
		})
	})

	if s.events != nil {
		r.Get("/ws", s.handleEvents)
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. Websocket streams end with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("api listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", KnownNodes: len(s.nodes.List())})
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	if s.self == nil {
		writeError(w, http.StatusNotFound, "self not available")
		return
	}
	writeJSON(w, http.StatusOK, s.self())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.nodes.List()
	if nodes == nil {
		nodes = []model.NodeRecord{}
	}
	writeJSON(w, http.StatusOK, NodesResponse{LocalID: s.nodes.LocalID(), Nodes: nodes})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.nodes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown node "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.latency == nil {
		writeError(w, http.StatusNotFound, "liveness disabled")
		return
	}
	h, ok := s.latency.History(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no latency history for "+id)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleLatencies(w http.ResponseWriter, r *http.Request) {
	if s.latency == nil {
		writeError(w, http.StatusNotFound, "liveness disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.latency.Histories())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ch, cancel := s.events.Subscribe()
	defer cancel()

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Debug("event stream opened")

	// The read side only services control frames and notices the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			closeMsg(ws, websocket.CloseGoingAway, "shutting down")
			return
		case <-gone:
			log.Debug("event stream closed by peer")
			return
		case ev, ok := <-ch:
			if !ok {
				closeMsg(ws, websocket.CloseNormalClosure, "stream ended")
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				log.Debug("event write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func closeMsg(ws *websocket.Conn, code int, text string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
