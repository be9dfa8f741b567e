// Package httpapi exposes a lock.Handle over HTTP.
//
// Contention maps to 409 Conflict so that callers can retry the request;
// storage failures map to 503, or 504 when the store timed out.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/reaper"
	"github.com/mirkobrombin/go-tenantlock/v1/scope"
)

// Server serves the lock API.
type Server struct {
	handle   *lock.Handle
	selector *scope.Selector
	reaper   *reaper.Reaper
	gatherer prometheus.Gatherer
	log      *zap.Logger

	rateLimit int
	origins   []string
}

// Option configures a Server.
type Option func(*Server)

// WithSelector overrides the default scope.Selector.
func WithSelector(s *scope.Selector) Option { return func(srv *Server) { srv.selector = s } }

// WithReaper enables POST /v1/reaper/scan.
func WithReaper(r *reaper.Reaper) Option { return func(srv *Server) { srv.reaper = r } }

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(srv *Server) { srv.gatherer = g } }

func WithLogger(l *zap.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.log = l
		}
	}
}

// WithRateLimit caps requests per second per client IP. Zero disables it.
func WithRateLimit(perSecond int) Option { return func(srv *Server) { srv.rateLimit = perSecond } }

// WithCORS allows browser clients from origins.
func WithCORS(origins ...string) Option { return func(srv *Server) { srv.origins = origins } }

// NewServer returns a Server for h.
func NewServer(h *lock.Handle, opts ...Option) *Server {
	s := &Server{
		handle:   h,
		selector: scope.NewSelector(),
		gatherer: prometheus.DefaultGatherer,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, "ok", nil)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(httprate.LimitByIP(s.rateLimit, time.Second))
		}
		r.Route("/locks", func(r chi.Router) {
			r.Post("/", s.acquire)
			r.Post("/try", s.tryAcquire)
			r.Get("/stale", s.stale)
			r.Delete("/{key}", s.release)
			r.Post("/{key}/steal", s.steal)
		})
		r.Get("/scopes/{operation}", s.selectScope)
		r.Post("/reaper/scan", s.scan)
		r.Get("/events", s.websocketEvents)
		r.Get("/events/sse", s.sseEvents)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
