// Package api is the HTTP front end: it turns requests into queue
// submissions and waits for their outcome.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/domain"
	"github.com/SirClappington/prcworker/internal/queue"
	"github.com/SirClappington/prcworker/internal/storage"
)

// Submitter is the part of the scheduler the front end needs.
type Submitter interface {
	Submit(queue.Request) (*domain.QueueItem, error)
	AwaitCompletion(ctx context.Context, item *domain.QueueItem, timeout, interval time.Duration) (*domain.QueueItem, error)
}

type Server struct {
	router   *chi.Mux
	sched    Submitter
	cache    storage.Store
	cacheTTL time.Duration
	logger   *zap.Logger
}

// New builds the router. cache may be nil, in which case reads always go
// through the queue.
func New(sched Submitter, cache storage.Store, cacheTTL time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		sched:    sched,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.Named("api"),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLog)
	s.router.Use(middleware.Recoverer)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, domain.CodeUnknown, "not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, domain.CodeUnknown, "method not allowed")
	})

	s.router.Get("/health", s.health)
	for _, e := range domain.Endpoints() {
		d, _ := e.Describe()
		s.router.Method(d.Method, d.Path, s.proxy(e, d))
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
