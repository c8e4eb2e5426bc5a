package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"VaultEngine/internal/observability"
	"VaultEngine/internal/query"
)

// HTTPServer serves the read API, health probes, and metrics over
// HTTP/JSON. Writes never enter here; they arrive through NATS.
type HTTPServer struct {
	server  *http.Server
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHTTPServer(addr string, queries *query.Service, health *observability.HealthChecker, metrics *observability.Metrics) *HTTPServer {
	s := &HTTPServer{
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/vault/summary", s.handleVaultSummary).Methods(http.MethodGet)
	api.HandleFunc("/vault/positions", s.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/holders/{id}/shares", s.handleHolderShares).Methods(http.MethodGet)
	api.HandleFunc("/holders/{id}/journal", s.handleJournalHistory).Methods(http.MethodGet)
	api.HandleFunc("/operations", s.handleOperations).Methods(http.MethodGet)
	api.HandleFunc("/admin/integrity", s.handleIntegrity).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) handleVaultSummary(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "vault_summary", func(ctx context.Context) (interface{}, error) {
		return s.queries.GetVaultSummary(ctx)
	})
}

func (s *HTTPServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "positions", func(ctx context.Context) (interface{}, error) {
		positions, err := s.queries.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		if positions == nil {
			positions = []query.PositionResponse{}
		}
		return positions, nil
	})
}

func (s *HTTPServer) handleHolderShares(w http.ResponseWriter, r *http.Request) {
	holderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.badRequest(w, "holder_shares", "invalid holder id")
		return
	}
	s.serve(w, r, "holder_shares", func(ctx context.Context) (interface{}, error) {
		return s.queries.GetHolderShares(ctx, holderID)
	})
}

func (s *HTTPServer) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	holderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.badRequest(w, "journal_history", "invalid holder id")
		return
	}
	limit := parseLimit(r, 100)
	after := parseCursor(r, "after")
	s.serve(w, r, "journal_history", func(ctx context.Context) (interface{}, error) {
		entries, err := s.queries.GetJournalHistory(ctx, holderID, limit, after)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []query.JournalHistoryEntry{}
		}
		return entries, nil
	})
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	before := parseCursor(r, "before")
	s.serve(w, r, "operations", func(ctx context.Context) (interface{}, error) {
		ops, err := s.queries.GetOperations(ctx, limit, before)
		if err != nil {
			return nil, err
		}
		if ops == nil {
			ops = []query.OperationResponse{}
		}
		return ops, nil
	})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "integrity", func(ctx context.Context) (interface{}, error) {
		return s.queries.VerifyIntegrity(ctx)
	})
}

// serve runs one query handler with metrics and uniform JSON encoding.
func (s *HTTPServer) serve(w http.ResponseWriter, r *http.Request, endpoint string, fn func(ctx context.Context) (interface{}, error)) {
	start := time.Now()
	result, err := fn(r.Context())
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
			s.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
		}
		s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) badRequest(w http.ResponseWriter, endpoint, msg string) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.metrics.QueryErrors.WithLabelValues(endpoint, "bad_request").Inc()
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func parseCursor(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
