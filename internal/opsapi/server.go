// Package opsapi serves a read-only inspection API over a running agent
// loop: health, Prometheus metrics, journal queries and verification, run
// replay, breaker state and a live WebSocket journal stream.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/circuitbreaker"
	"github.com/ocx/agentloop/internal/journal"
	"github.com/ocx/agentloop/internal/loop"
)

const shutdownTimeout = 30 * time.Second

// Server is the inspection HTTP server.
type Server struct {
	journal  *journal.Journal
	breakers *circuitbreaker.Registry
	gatherer prometheus.Gatherer
	hub      *StreamHub
	limiter  *rateLimiter
	logger   *slog.Logger
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry /metrics exposes. Defaults to the
// Prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithStreamHub mounts hub at /ws/journal.
func WithStreamHub(h *StreamHub) Option {
	return func(s *Server) { s.hub = h }
}

// WithRateLimit limits each caller to perSecond requests with burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newRateLimiter(perSecond, burst)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the server. breakers may be nil when the process runs no loop.
func New(j *journal.Journal, breakers *circuitbreaker.Registry, opts ...Option) *Server {
	s := &Server{
		journal:  j,
		breakers: breakers,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(s.logger))
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/breakers", s.handleBreakers).Methods("GET")

	r.HandleFunc("/journal", s.handleEntries).Methods("GET")
	r.HandleFunc("/journal/verify", s.handleVerify).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/journal", s.handleRunJournal).Methods("GET")
	r.HandleFunc("/runs/{id}/replay", s.handleReplay).Methods("GET")

	if s.hub != nil {
		r.HandleFunc("/ws/journal", s.hub.HandleWebSocket)
	}
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("ops server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// HANDLERS
// ============================================================================

type healthResponse struct {
	Status   string              `json:"status"`
	Breakers map[string]string   `json:"breakers"`
	Sinks    []journal.SinkStats `json:"sinks"`
	Stream   *streamHealth       `json:"stream,omitempty"`
}

type streamHealth struct {
	Clients int `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Breakers: map[string]string{}}
	if s.breakers != nil {
		resp.Status, resp.Breakers = s.breakers.HealthStatus()
	}
	resp.Sinks = s.journal.SinkStats()
	if s.hub != nil {
		resp.Stream = &streamHealth{Clients: s.hub.Clients()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]circuitbreaker.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Stats())
}

// handleEntries serves GET /journal?run_id=&agent_id=&type=&after_seq=&limit=
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.journal.Entries(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func parseQuery(r *http.Request) (journal.Query, error) {
	v := r.URL.Query()
	q := journal.Query{RunID: v.Get("run_id"), AgentID: v.Get("agent_id")}
	for _, t := range v["type"] {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				q.Types = append(q.Types, journal.EventType(part))
			}
		}
	}
	if raw := v.Get("after_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, errors.New("after_seq must be a non-negative integer")
		}
		q.AfterSeq = n
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

type verifyResponse struct {
	Valid  bool                 `json:"valid"`
	Report journal.VerifyReport `json:"report"`
	Error  string               `json:"error,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.journal.Verify(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Report: report})
	case errors.Is(err, journal.ErrChainBroken):
		writeJSON(w, http.StatusConflict, verifyResponse{Report: report, Error: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type runSummary struct {
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	Policy    string    `json:"policy"`
	StartedAt time.Time `json:"started_at"`
	Seq       uint64    `json:"seq"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	entries, err := s.journal.Entries(r.Context(), journal.Query{
		AgentID: r.URL.Query().Get("agent_id"),
		Types:   []journal.EventType{journal.EventStarted},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	runs := make([]runSummary, 0, len(entries))
	for _, e := range entries {
		rs := runSummary{RunID: e.RunID, AgentID: e.AgentID, StartedAt: e.Timestamp, Seq: e.Seq}
		if st, ok := e.Event.(journal.Started); ok {
			rs.Policy = st.Policy
		}
		runs = append(runs, rs)
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunJournal(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	entries, err := s.journal.Run(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type replayResponse struct {
	*loop.Result
	Pending []action.ToolCall `json:"pending,omitempty"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	entries, err := s.journal.Run(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	state, err := loop.Replay(entries)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{Result: state.Summary(0), Pending: state.Pending()})
}

func nonNil(entries []journal.Entry) []journal.Entry {
	if entries == nil {
		return []journal.Entry{}
	}
	return entries
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
