// Package api exposes the HTTP control interface for the crawler
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/budget"
	"github.com/andrewbyteforge/kitchen-compass/internal/config"
	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
	"github.com/andrewbyteforge/kitchen-compass/internal/proxy"
)

// Controller is the crawl control surface the server drives. The
// dispatcher implements it.
type Controller interface {
	StartCrawl(ctx context.Context, crawlType crawl.CrawlType, trigger string) ([]crawl.Session, error)
	StopCrawl(ctx context.Context, sessionID string) (string, error)
	Status(ctx context.Context) (crawl.Session, bool)
}

// BudgetAdmin is the provider budget surface. The budget tracker
// implements it.
type BudgetAdmin interface {
	SetDailyLimit(provider string, limit float64)
	DailyLimit(provider string) float64
	Report(ctx context.Context) ([]budget.CostReport, error)
}

// HealthChecker probes one proxy. The proxy checker implements it.
type HealthChecker interface {
	Check(ctx context.Context, proxyID string) (proxy.HealthResult, error)
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router  chi.Router
	ctl     Controller
	budgets BudgetAdmin
	proxies crawl.ProxyStore
	checker HealthChecker
	catalog crawl.CatalogStore
	clock   crawl.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	ctl Controller,
	budgets BudgetAdmin,
	proxies crawl.ProxyStore,
	checker HealthChecker,
	catalog crawl.CatalogStore,
	clock crawl.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		ctl:     ctl,
		budgets: budgets,
		proxies: proxies,
		checker: checker,
		catalog: catalog,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Post("/stop", s.stopLatestCrawl)
			r.Get("/status", s.crawlStatus)
			r.Post("/{session_id}/stop", s.stopCrawl)
		})
		r.Route("/providers", func(r chi.Router) {
			r.Get("/costs", s.providerCosts)
			r.Put("/{provider}/budget", s.setProviderBudget)
			r.Post("/{provider}/enable", s.setProviderEnabled)
		})
		r.Post("/proxies/{proxy_id}/test", s.testProxy)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.catalog.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "catalog store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startCrawlRequest struct {
	CrawlType string `json:"crawl_type"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	crawlType := crawl.CrawlType(req.CrawlType)
	if crawlType == "" {
		crawlType = crawl.CrawlTypeBoth
	}
	if _, err := crawlType.Stages(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.ctl.StartCrawl(r.Context(), crawlType, "api")
	if errors.Is(err, crawl.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "a crawl is already running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id":  sessions[0].ID,
		"session_ids": ids,
		"crawl_type":  string(crawlType),
	})
}

func (s *Server) stopLatestCrawl(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, "")
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, chi.URLParam(r, "session_id"))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, sessionID string) {
	stopped, err := s.ctl.StopCrawl(r.Context(), sessionID)
	if errors.Is(err, crawl.ErrNotRunning) {
		writeError(w, http.StatusConflict, "no running crawl")
		return
	}
	if errors.Is(err, crawl.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": stopped, "status": "stopping"})
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	sess, active := s.ctl.Status(r.Context())
	if active {
		writeJSON(w, http.StatusOK, map[string]any{
			"has_session":      true,
			"session_id":       sess.ID,
			"stage":            string(sess.Stage),
			"status":           string(sess.Status),
			"counters":         sess.Counters,
			"duration_seconds": sess.Duration(s.clock.Now()).Seconds(),
		})
		return
	}

	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading catalog stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_session":             false,
		"total_categories":        stats.Categories,
		"total_products":          stats.Products,
		"products_with_nutrition": stats.ProductsWithNutrition,
	})
}

func (s *Server) providerCosts(w http.ResponseWriter, r *http.Request) {
	report, err := s.budgets.Report(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading cost report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": report})
}

type budgetRequest struct {
	DailyLimit float64 `json:"daily_limit"`
}

func (s *Server) setProviderBudget(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req budgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.DailyLimit < 0 {
		writeError(w, http.StatusBadRequest, "daily_limit must be >= 0")
		return
	}
	s.budgets.SetDailyLimit(provider, req.DailyLimit)
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":    provider,
		"daily_limit": req.DailyLimit,
	})
}

type enableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setProviderEnabled(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	err := s.proxies.SetProviderEnabled(r.Context(), provider, req.Enabled)
	if errors.Is(err, crawl.ErrProviderNotFound) {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "enabled": req.Enabled})
}

func (s *Server) testProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxy_id")
	result, err := s.checker.Check(r.Context(), proxyID)
	if errors.Is(err, crawl.ErrProxyNotFound) {
		writeError(w, http.StatusNotFound, "proxy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
