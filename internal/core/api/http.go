package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/solatis/populator/internal/core/auth"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 32 << 20

// Pinger reports store health. Implemented by *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HTTPHandler serves the JSON API.
type HTTPHandler struct {
	svc    *PopulateService
	authn  func(http.Handler) http.Handler
	pinger Pinger
}

// NewHTTPHandler wires svc behind authn. pinger may be nil when the service
// runs without a store.
func NewHTTPHandler(svc *PopulateService, authn *auth.Authenticator, pinger Pinger) *HTTPHandler {
	h := &HTTPHandler{svc: svc, pinger: pinger}
	if authn != nil {
		h.authn = authn.Middleware
	}
	return h
}

// Router returns the chi router. timeout bounds each request.
func (h *HTTPHandler) Router(timeout time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}

	r.Get("/api/v1/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn)
		}
		r.Post("/api/v1/populate", h.handlePopulate)
		r.Get("/api/v1/rulesets", h.handleListRuleSets)
		r.Post("/api/v1/rulesets/reload", h.handleReload)
		r.Get("/api/v1/failures", h.handleListFailures)
	})

	return r
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) handlePopulate(w http.ResponseWriter, r *http.Request) {
	var req PopulateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resp, err := h.svc.Populate(r.Context(), auth.TenantIDFromContext(r.Context()), &req)
	if err != nil {
		respondError(w, httpStatus(err), "populate failed", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.RuleSets(r.Context(), auth.TenantIDFromContext(r.Context()))
	if err != nil {
		respondError(w, httpStatus(err), "failed to list rule sets", err)
		return
	}

	etag := `"` + resp.ETag + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	h.svc.Reload(auth.TenantIDFromContext(r.Context()))
	respondJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}

func (h *HTTPHandler) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	reports, err := h.svc.Failures(r.Context(), auth.TenantIDFromContext(r.Context()), limit)
	if err != nil {
		respondError(w, httpStatus(err), "failed to list failures", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"failures": reports})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.S().Warnw("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.S().Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"elapsed", time.Since(start),
		)
	})
}
