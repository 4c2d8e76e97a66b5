package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/config"
	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/metrics"
	"github.com/JakeFAU/site-crawler/internal/telemetry"
)

// Crawler runs one crawl to completion; *crawler.Orchestrator satisfies it.
type Crawler interface {
	Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.CrawlSummary, error)
}

// SessionReader is the read side of the session store.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (crawler.Session, error)
}

// PageLister is the read side of the page store.
type PageLister interface {
	ListPages(ctx context.Context, sessionID string) ([]crawler.PageRecord, error)
}

// ReadinessCheck reports whether downstream dependencies can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router   chi.Router
	crawler  Crawler
	sessions SessionReader
	pages    PageLister
	ready    ReadinessCheck
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	crawler Crawler,
	sessions SessionReader,
	pages PageLister,
	ready ReadinessCheck,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawler:  crawler,
		sessions: sessions,
		pages:    pages,
		ready:    ready,
		cfg:      cfg,
		logger:   logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl", s.crawl)
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/pages", s.listPages)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Server.MaxBodyBytes))
	}
	var req crawler.CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	if req.StartURL == "" {
		writeError(w, http.StatusBadRequest, "startUrl is required", nil)
		return
	}

	summary, err := s.crawler.Crawl(r.Context(), req)
	if err != nil {
		status := crawlErrorStatus(err)
		logger := s.logger.With(zap.String("request_id", RequestID(r.Context())), zap.String("start_url", req.StartURL))
		if status >= http.StatusInternalServerError {
			logger.Error("crawl failed", zap.Error(err))
		} else {
			logger.Info("crawl rejected", zap.Error(err))
		}
		writeError(w, status, crawlErrorMessage(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	session, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch session", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch session", err)
		return
	}
	pages, err := s.pages.ListPages(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch session pages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "pages": pages})
}

func crawlErrorStatus(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrResourceAcquisition):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func crawlErrorMessage(err error) string {
	switch {
	case errors.Is(err, crawler.ErrInvalidInput):
		return "invalid crawl request"
	case errors.Is(err, crawler.ErrResourceAcquisition):
		return "renderer unavailable"
	case errors.Is(err, crawler.ErrSessionCreate):
		return "failed to create crawl session"
	case errors.Is(err, crawler.ErrSessionStore):
		return "crawl session store failure"
	default:
		return "crawling failed"
	}
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
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
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
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
				writeError(w, http.StatusForbidden, "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorPayload is the body of every non-2xx response.
type errorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	payload := errorPayload{Error: msg}
	if err != nil {
		payload.Details = err.Error()
	}
	writeJSON(w, status, payload)
}
