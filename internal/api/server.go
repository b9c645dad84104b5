// Package api exposes the admin HTTP surface: health, tagging triggers,
// statistics and the rule import/export envelope.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/autotag/autotag/internal/rules"
	"github.com/autotag/autotag/internal/service"
	"github.com/autotag/autotag/internal/storage"
)

// Server represents the admin API server.
type Server struct {
	router  *mux.Router
	svc     *service.Service
	store   storage.Store
	log     zerolog.Logger
	address string
	server  *http.Server
}

// NewServer creates a new admin API server.
func NewServer(address string, svc *service.Service, store storage.Store, log zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		store:   store,
		log:     log,
		address: address,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes.
func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/companies/{code}/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/companies/{code}/tag", s.handleTag).Methods("POST")
	v1.HandleFunc("/companies/{code}/retag", s.handleRetag).Methods("POST")
	v1.HandleFunc("/companies/{code}/rules", s.handleExportRules).Methods("GET")
	v1.HandleFunc("/companies/{code}/validate-metadata", s.handleValidateMetadata).Methods("POST")
	v1.HandleFunc("/rules/import", s.handleImportRules).Methods("POST")
	v1.HandleFunc("/transactions/{id}/tag/{code}", s.handleTagOne).Methods("POST")
}

// handleHealth returns the health status of the service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "autotag",
	})
}

// handleStats returns tagging statistics for a company.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	stats, err := s.svc.Stats(r.Context(), code)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to compute stats", err)
		return
	}
	if stats == nil {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Company %q not found", code), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// tagRequest is the body for bulk tagging.
type tagRequest struct {
	TransactionIDs []int64 `json:"transaction_ids"`
	BatchSize      int     `json:"batch_size"`
}

// handleTag runs tagging over an explicit list of transaction ids.
func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.TransactionIDs) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "transaction_ids is required", nil)
		return
	}

	results, err := s.svc.TagTransactions(r.Context(), req.TransactionIDs, code, req.BatchSize)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Tagging failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processed": len(results),
		"results":   results,
	})
}

// handleRetag reruns tagging over every already-tagged transaction of a
// company.
func (s *Server) handleRetag(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	processed, err := s.svc.RetagCompany(r.Context(), code)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Retagging failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

// handleTagOne tags a single transaction.
func (s *Server) handleTagOne(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	code := vars["code"]

	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid transaction id", err)
		return
	}

	tag, err := s.svc.TagTransaction(r.Context(), id, code)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Tagging failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": id,
		"tag":            tag,
	})
}

// handleExportRules serializes a company's rules as an envelope.
func (s *Server) handleExportRules(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	data, err := rules.Export(r.Context(), s.store, code)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "Export failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleValidateMetadata checks a metadata document against the company's
// optional JSON schema.
func (s *Server) handleValidateMetadata(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	company, err := s.store.GetCompany(r.Context(), code)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Company %q not found", code), err)
		return
	}

	var metadata map[string]any
	if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := rules.ValidateMetadata(metadata, company.MetadataSchema); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// handleImportRules ingests a rule envelope. Per-rule failures come back in
// the result body, not as an HTTP error.
func (s *Server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	result, err := rules.Import(r.Context(), s.store, data)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Import failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeErrorResponse writes an error response in a consistent format. The
// full error goes to the log; the response only carries the message.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		s.log.Error().Err(err).Str("message", message).Msg("api error")
	}
	s.writeJSON(w, statusCode, map[string]any{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}

// recoveryMiddleware catches panics and returns proper JSON error responses.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Msg("panic in handler")
				if w.Header().Get("Content-Type") == "" {
					s.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", fmt.Errorf("panic: %v", rec))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.RequestURI).
			Str("remote", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.address,
		Handler: s.router,

		ReadTimeout:       60 * time.Second,
		WriteTimeout:      300 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.log.Info().Str("address", s.address).Msg("starting admin API server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("shutting down admin API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	return nil
}
