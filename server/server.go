// Package server exposes a Mesh over HTTP.
//
// Routes:
//
//	POST /api/palettes/stream          request JSON in, Server-Sent Events out
//	GET  /api/palettes/ws              WebSocket; the first client frame is the request
//	GET  /api/sessions/{id}            stored session as JSON
//	POST /api/sessions/{id}/feedback   label a generated palette
//	GET  /healthz                      liveness and store connectivity
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/palettemesh"
	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/logging"
	"github.com/hupe1980/palettemesh/transport"
)

const maxBodyBytes = 1 << 20

// Options configure a Server.
type Options struct {
	// DefaultLimit applies to requests that name no limit.
	DefaultLimit int

	// AllowedOrigins lists the origins allowed to open WebSockets. "*" allows
	// every origin; empty allows same-origin requests only.
	AllowedOrigins []string

	// ReadHeaderTimeout and ShutdownTimeout tune ListenAndServe.
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Server routes HTTP requests to a Mesh.
type Server struct {
	mesh     *palettemesh.Mesh
	opts     Options
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a Server for mesh.
func New(mesh *palettemesh.Mesh, optFns ...func(o *Options)) *Server {
	opts := Options{
		DefaultLimit:      core.DefaultLimit,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	s := &Server{mesh: mesh, opts: opts, mux: http.NewServeMux()}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.mux.HandleFunc("POST /api/palettes/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/palettes/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("Server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	s.opts.Logger.Info("Server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) applyDefaults(req *core.Request) {
	if req.Limit == 0 {
		req.Limit = s.opts.DefaultLimit
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req core.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.applyDefaults(&req)

	opened := false
	summary, err := s.mesh.Generate(r.Context(), req, func(multi bool) (transport.Sink, error) {
		opened = true
		return transport.NewSSESink(w, func(o *transport.Options) {
			o.Multi = multi
			o.Logger = s.opts.Logger
		}), nil
	})
	if !opened {
		writeError(w, err)
		return
	}
	s.logOutcome("sse", summary, err)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.opts.Logger.Debug("WebSocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	var req core.Request
	if err := conn.ReadJSON(&req); err != nil {
		s.writeWebSocketError(conn, fmt.Errorf("%w: malformed request frame: %v", core.ErrInvalidRequest, err))
		return
	}
	s.applyDefaults(&req)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Client frames after the request are ignored; a closed connection ends the run.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var sink *transport.WebSocketSink
	summary, err := s.mesh.Generate(ctx, req, func(multi bool) (transport.Sink, error) {
		sink = transport.NewWebSocketSink(conn, func(o *transport.Options) {
			o.Multi = multi
			o.Logger = s.opts.Logger
		})
		return sink, nil
	})
	if sink == nil {
		s.writeWebSocketError(conn, err)
		return
	}
	s.logOutcome("websocket", summary, err)
	if !errors.Is(err, transport.ErrClientGone) {
		_ = sink.Close()
	}
}

func (s *Server) writeWebSocketError(conn *websocket.Conn, err error) {
	payload, encErr := transport.EncodeError(err)
	if encErr != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "request rejected")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) logOutcome(channel string, summary *palettemesh.Summary, err error) {
	switch {
	case err == nil:
		s.opts.Logger.Debug("Stream finished", "channel", channel, "session", summary.SessionID, "items", summary.Items)
	case errors.Is(err, transport.ErrClientGone), errors.Is(err, context.Canceled):
		s.opts.Logger.Debug("Client went away", "channel", channel)
	default:
		s.opts.Logger.Error("Stream failed", "channel", channel, "error", err.Error())
	}
}

type feedbackRequest struct {
	Version   int          `json:"version,omitempty"`
	PaletteID string       `json:"paletteId,omitempty"`
	Colors    core.Palette `json:"colors,omitempty"`
	Label     string       `json:"label"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fr feedbackRequest
	if err := decodeBody(w, r, &fr); err != nil {
		writeError(w, err)
		return
	}
	label, err := core.ParseLabel(fr.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	id := fr.PaletteID
	if id == "" && len(fr.Colors) > 0 {
		if err := fr.Colors.Validate(); err != nil {
			writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
			return
		}
		id = fr.Colors.ID()
	}

	if err := s.mesh.RecordFeedback(r.Context(), r.PathValue("id"), fr.Version, id, label); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mesh.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "producers": s.mesh.Producers()}
	if p, ok := s.mesh.SessionStore().(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	if len(s.opts.AllowedOrigins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, core.ErrInvalidLabel),
		errors.Is(err, core.ErrInvalidVersion),
		errors.Is(err, palettemesh.ErrUnknownProducer):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTooManyGenerations):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("internal error")
	}
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
