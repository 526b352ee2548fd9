// Package http exposes the budget tracker as a JSON REST API.
//
// Clients address a namespace through the X-Namespace header; requests
// without one operate on "default". Month report responses are cached and
// the cache is purged on every mutation, so derived figures never outlive
// the state they were computed from.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"kakeibo/internal/cache"
	"kakeibo/internal/log"
	"kakeibo/internal/services"
)

type Server struct {
	http.Server

	svc         *services.BudgetService
	rateLimiter *rateLimiter
	logger      *log.Logger

	reportCache *cache.LRUCache[services.MonthReport]

	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, svc *services.BudgetService, cacheSize int, cacheTTL time.Duration, logger *log.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		svc:              svc,
		rateLimiter:      newRateLimiter(),
		logger:           logger.WithComponent("http"),
		reportCache:      cache.NewLRUCache[services.MonthReport](cacheSize, cacheTTL),
		stopCacheCleanup: make(chan struct{}),
	}

	go s.startCacheCleanup()

	mux.HandleFunc("GET /api/health", handleHealth)

	mux.HandleFunc("GET /api/namespaces", s.withSecurityHeaders(s.handleListNamespaces))

	mux.HandleFunc("GET /api/categories", s.withSecurityHeaders(s.handleListCategories))
	mux.HandleFunc("POST /api/categories", s.withSecurityHeaders(s.handleAddCategory))
	mux.HandleFunc("DELETE /api/categories/{name}", s.withSecurityHeaders(s.handleDeleteCategory))

	mux.HandleFunc("GET /api/transactions", s.withSecurityHeaders(s.handleListTransactions))
	mux.HandleFunc("POST /api/transactions", s.withSecurityHeaders(s.handleAddTransaction))
	mux.HandleFunc("GET /api/transactions/{id}", s.withSecurityHeaders(s.handleGetTransaction))
	mux.HandleFunc("PUT /api/transactions/{id}", s.withSecurityHeaders(s.handleUpdateTransaction))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.withSecurityHeaders(s.handleDeleteTransaction))

	mux.HandleFunc("GET /api/budgets", s.withSecurityHeaders(s.handleListBudgets))
	mux.HandleFunc("POST /api/budgets", s.withSecurityHeaders(s.handleCreateBudget))
	mux.HandleFunc("PUT /api/budgets/{category}", s.withSecurityHeaders(s.handleUpsertBudget))
	mux.HandleFunc("PUT /api/budgets/{category}/manual-spent", s.withSecurityHeaders(s.handleSetManualSpent))
	mux.HandleFunc("DELETE /api/budgets/{category}", s.withSecurityHeaders(s.handleDeleteBudget))

	mux.HandleFunc("GET /api/reports/month", s.withSecurityHeaders(s.handleMonthReport))
	mux.HandleFunc("GET /api/reports/months", s.withSecurityHeaders(s.handleListMonths))
	mux.HandleFunc("GET /api/reports/year-over-year", s.withSecurityHeaders(s.handleYearOverYear))

	mux.HandleFunc("GET /api/goal", s.withSecurityHeaders(s.handleGetGoal))
	mux.HandleFunc("PUT /api/goal", s.withSecurityHeaders(s.handleSetGoal))

	mux.HandleFunc("GET /api/settings", s.withSecurityHeaders(s.handleListSettings))
	mux.HandleFunc("POST /api/settings", s.withSecurityHeaders(s.handleCreateSetting))
	mux.HandleFunc("PUT /api/settings/{key}", s.withSecurityHeaders(s.handleSetSetting))

	mux.HandleFunc("GET /api/export/json", s.withSecurityHeaders(s.handleExportJSON))
	mux.HandleFunc("GET /api/export/csv", s.withSecurityHeaders(s.handleExportCSV))

	return s
}

// startCacheCleanup evicts expired report cache entries periodically.
func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaned := s.reportCache.CleanExpired(); cleaned > 0 {
				slog.Debug("Cache cleanup completed", "entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.stopCacheCleanup != nil {
			close(s.stopCacheCleanup)
		}
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

type requestIDKey struct{}

// withSecurityHeaders adds security headers, rate limiting and request
// logging. Mutating methods are rate limited per client IP.
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		s.logger.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP,
			log.Namespace(namespaceFrom(r)))

		mutating := r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete
		if mutating && !s.rateLimiter.allow(clientIP) {
			s.logger.WarnContext(ctx, "Rate limit exceeded",
				"client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		s.logger.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
