// Package api exposes the HTTP surface: session management, phase
// execution, review decisions, and the realtime SSE event stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/metrics"
	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/session"
)

const defaultHeartbeat = 15 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithHeartbeat sets the SSE keepalive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithCORSOrigins overrides the allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// Server wires HTTP handlers to the session store and orchestrator.
type Server struct {
	store       session.Store
	orch        *orchestrator.Orchestrator
	logger      *zap.Logger
	heartbeat   time.Duration
	corsOrigins []string
	router      chi.Router
}

// NewServer constructs the router with middleware and all routes.
func NewServer(store session.Store, orch *orchestrator.Orchestrator, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:       store,
		orch:        orch,
		logger:      logger,
		heartbeat:   defaultHeartbeat,
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/phases/{phase}", s.runPhase)
			r.Post("/approve", s.approvePhase)
			r.Post("/reject", s.rejectPhase)
			r.Get("/events", s.streamEvents)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// errorResponse is the JSON body for every error status.
type errorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg, details, sessionID string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details, SessionID: sessionID})
}
