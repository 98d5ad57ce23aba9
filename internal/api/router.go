// Package api serves the HTTP query surface over the search index.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/lh/yiana/internal/async"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/store"
)

// Backend is the part of *service.Service the API uses.
type Backend interface {
	Search(ctx context.Context, query string, limit int) ([]store.Result, error)
	IsDocumentIndexed(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
	Status(ctx context.Context) (service.Status, error)
	RequestIndex()
	IndexAll(ctx context.Context) (async.RunStats, error)
	ResetIndex(ctx context.Context) (async.RunStats, error)
}

// Options configures the router.
type Options struct {
	// CORSOrigins lists allowed origins ("*" allows any).
	CORSOrigins []string
	Logger      *slog.Logger
}

type handler struct {
	backend Backend
	logger  *slog.Logger
}

// NewRouter returns the API handler with recovery, request logging and
// CORS applied.
func NewRouter(backend Backend, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{backend: backend, logger: logger}

	r := chi.NewRouter()
	r.Use(recovery(logger), requestLog(logger))

	r.Get("/health", h.health)
	r.Get("/search", h.search)
	r.Get("/documents/{id}/indexed", h.documentIndexed)
	r.Route("/index", func(r chi.Router) {
		r.Get("/count", h.count)
		r.Get("/status", h.status)
		r.Post("/run", h.run)
		r.Post("/reset", h.reset)
	})

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
	}).Handler(r)
}

type searchResponse struct {
	Query   string         `json:"query"`
	Count   int            `json:"count"`
	Results []store.Result `json:"results"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, r, yerrors.ValidationError("limit must be a non-negative integer", err))
			return
		}
		limit = n
	}

	results, err := h.backend.Search(r.Context(), query, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if results == nil {
		results = []store.Result{}
	}
	respondJSON(w, http.StatusOK, searchResponse{Query: query, Count: len(results), Results: results})
}

func (h *handler) documentIndexed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	indexed, err := h.backend.IsDocumentIndexed(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"document_id": id, "indexed": indexed})
}

func (h *handler) count(w http.ResponseWriter, r *http.Request) {
	n, err := h.backend.Count(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.Status(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// run schedules a background pass and answers 202. With ?wait=true it runs
// the pass in the request and returns its stats.
func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		stats, err := h.backend.IndexAll(r.Context())
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "completed", "stats": stats})
		return
	}
	h.backend.RequestIndex()
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backend.ResetIndex(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "rebuilt", "stats": stats})
}

// StatusFor maps an error to an HTTP status by its code.
func StatusFor(err error) int {
	switch yerrors.GetCode(err) {
	case yerrors.ErrCodeInvalidInput, yerrors.ErrCodeInvalidQuery:
		return http.StatusBadRequest
	case yerrors.ErrCodeIndexBusy:
		return http.StatusConflict
	case yerrors.ErrCodeIndexUnavailable:
		return http.StatusServiceUnavailable
	case yerrors.ErrCodeFileNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("api_request_failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", yerrors.FormatForLog(err)))
	}
	body, mErr := yerrors.FormatJSON(err)
	if mErr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":`))
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("}\n"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("api_panic_recovered",
						slog.Any("panic", rec),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())))
					respondJSON(w, http.StatusInternalServerError, map[string]any{
						"error": map[string]string{"code": yerrors.ErrCodeInternal, "message": "internal server error"},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
