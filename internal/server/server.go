// Package server is the HTTP surface of the API binary: job intake, reads,
// downloads, health and the live job websocket.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/joseph-ayodele/docparse/internal/auth"
	"github.com/joseph-ayodele/docparse/internal/bridge"
	"github.com/joseph-ayodele/docparse/internal/jobs"
	"github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/storage"
)

// HealthChecker is implemented by the queue transports and the S3 store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// OCRChecker is implemented by the OCR client.
type OCRChecker interface {
	CheckHealth(ctx context.Context) bool
}

// Deps are the collaborators the routes call into.
type Deps struct {
	DB      *repository.DB
	Jobs    *jobs.Service
	Auth    bridge.Authenticator
	Bridge  *bridge.Bridge
	Queue   HealthChecker
	Storage storage.Storage
	OCR     OCRChecker
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine

	upgrader       websocket.Upgrader
	allowedOrigins []string
	sessionCookie  string
	maxUploadBytes int64
}

type Option func(*Server)

// WithAllowedOrigins restricts CORS and websocket origins; empty allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithSessionCookie(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.sessionCookie = name
		}
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

func New(deps Deps, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:           deps,
		logger:         logger,
		sessionCookie:  auth.DefaultSessionCookie,
		maxUploadBytes: jobs.DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.MaxMultipartMemory = 8 << 20
	s.engine.Use(gin.Recovery(), s.requestID(), s.requestLogger(), s.cors())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/health/live", s.live)
	s.engine.GET("/ws/jobs/:jobId", s.jobSocket)

	v1 := s.engine.Group("/v1", s.authenticate())
	{
		v1.POST("/jobs", s.submitFile)
		v1.POST("/jobs/url", s.submitURL)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/export", s.exportJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/jobs/:id/download", s.downloadJob)
		v1.DELETE("/jobs/:id", s.deleteJob)
	}
}

// Handler is the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
