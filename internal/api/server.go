// Package api exposes the chat engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ember-chat/ember/internal/agent"
	"github.com/ember-chat/ember/internal/buildinfo"
	"github.com/ember-chat/ember/internal/session"
	"github.com/ember-chat/ember/internal/trace"
)

// Server is the HTTP front end.
type Server struct {
	addr     string
	engine   *agent.Engine
	sessions *session.Store
	traces   *trace.Store
	logger   *slog.Logger
	server   *http.Server
}

// Options configures a Server. Traces may be nil; the trace endpoints
// then return 404.
type Options struct {
	Addr          string
	Engine        *agent.Engine
	Sessions      *session.Store
	Traces        *trace.Store
	Logger        *slog.Logger
	RatePerSecond float64
	RateBurst     int
}

// NewServer builds the server and its router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}

	s := &Server{
		addr:     opts.Addr,
		engine:   opts.Engine,
		sessions: opts.Sessions,
		traces:   opts.Traces,
		logger:   opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(newRateLimiter(opts.RatePerSecond, opts.RateBurst).middleware)

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/traces", s.handleTraceList)
	r.Get("/v1/traces/{requestID}", s.handleTraceGet)
	r.Get("/v1/sessions", s.handleSessionList)
	r.Get("/v1/sessions/stats", s.handleSessionStats)
	r.Delete("/v1/sessions/{key}", s.handleSessionDelete)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in agent.Incoming
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	out, err := s.engine.HandleMessage(r.Context(), in)
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		s.writeError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	requestID := chi.URLParam(r, "requestID")

	tr, err := s.traces.GetTrace(r.Context(), requestID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "trace lookup failed")
		return
	}
	if tr == nil {
		s.writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		s.writeError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.traces.ListRecent(r.Context(), r.URL.Query().Get("session_key"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "trace list failed")
		return
	}
	if list == nil {
		list = []*trace.Trace{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"traces": list})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	if list == nil {
		list = []session.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.Stats())
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.sessions.ClearSession(r.Context(), key); err != nil {
		s.writeError(w, http.StatusInternalServerError, "clear session failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"cleared": key})
}
