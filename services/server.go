package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voicelearn/backend/cache"
	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/metrics"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
	"github.com/voicelearn/backend/storage"
	ws "github.com/voicelearn/backend/websocket"
)

// Dependencies are the long-lived clients the server is built from. Cache,
// Covers and Procedures are optional.
type Dependencies struct {
	Repo       *repository.GORMRepository
	Procedures *repository.Procedures
	Metrics    *metrics.Metrics
	Hub        *ws.Hub
	Cache      *cache.Redis
	Covers     *storage.ObjectStore
}

// Server holds all server dependencies
type Server struct {
	config *Config
	deps   Dependencies
	log    *logger.Logger

	elevenLabs  *ElevenLabsService
	audioCache  *AudioCache
	authService *AuthService
	admin       *AdminService
	stats       *StatsService
	webhooks    *WebhookService

	authEndpoints         *AuthEndpoints
	agentEndpoints        *AgentEndpoints
	assignmentEndpoints   *AssignmentEndpoints
	categoryEndpoints     *CategoryEndpoints
	adminEndpoints        *AdminEndpoints
	userEndpoints         *UserEndpoints
	statsEndpoints        *StatsEndpoints
	webhookEndpoints      *WebhookEndpoints
	conversationEndpoints *ConversationEndpoints
	liveEvents            *LiveEventsHandler

	authLimiter    *RateLimiter
	webhookLimiter *RateLimiter
}

// NewServer creates a new server instance
func NewServer(config *Config, deps Dependencies, log *logger.Logger) *Server {
	log = log.With("component", "server")
	s := &Server{config: config, deps: deps, log: log}

	repo := deps.Repo

	// Interfaces only receive non-nil optional clients.
	var agentCache AgentCache
	if deps.Cache != nil {
		agentCache = deps.Cache
	}
	var covers CoverStore
	if deps.Covers != nil {
		covers = deps.Covers
	}
	var directory OrganizationDirectory = repo
	var usage UsageIncrementer = repo
	if deps.Procedures != nil {
		directory = deps.Procedures
		usage = deps.Procedures
	}

	s.elevenLabs = NewElevenLabsService(config.ElevenLabs, repo, deps.Metrics, log)
	s.audioCache = NewAudioCache(config.AudioCache.Dir, log)
	s.authService = NewAuthService(repo, config.JWT.Secret, config.Server.IsProduction(), log)
	s.admin = NewAdminService(repo, s.elevenLabs, agentCache, config.Cache.AgentTTL, config.Admin.MaxConcurrency, log)
	s.stats = NewStatsService(repo, log)
	s.webhooks = NewWebhookService(repo, usage, deps.Hub, deps.Metrics, config.Webhooks, log)

	s.authEndpoints = NewAuthEndpoints(s.authService, log)
	s.agentEndpoints = NewAgentEndpoints(repo, s.elevenLabs, covers, s.admin, log)
	s.assignmentEndpoints = NewAssignmentEndpoints(repo, deps.Hub, log)
	s.categoryEndpoints = NewCategoryEndpoints(repo, log)
	s.adminEndpoints = NewAdminEndpoints(s.admin, repo, log)
	s.userEndpoints = NewUserEndpoints(repo, directory, s.authService, log)
	s.statsEndpoints = NewStatsEndpoints(s.stats, repo, log)
	s.webhookEndpoints = NewWebhookEndpoints(s.webhooks, log)
	s.conversationEndpoints = NewConversationEndpoints(repo, s.elevenLabs, s.audioCache, log)
	s.liveEvents = NewLiveEventsHandler(deps.Hub, config.WebSocket.AllowedOrigins, log)

	s.authLimiter = NewRateLimiter(config.RateLimit.RPS, config.RateLimit.Burst)
	s.webhookLimiter = NewRateLimiter(config.RateLimit.WebhookRPS, config.RateLimit.WebhookBurst)

	if config.JWT.Secret == "" {
		log.Warn("JWT secret not configured, sessions will not survive a restart")
	}
	if config.Webhooks.Secret == "" {
		log.Warn("Webhook secret not configured, post-call signatures are not verified")
	}
	return s
}

// RateLimiters exposes the limiters so maintenance can sweep them.
func (s *Server) RateLimiters() []*RateLimiter {
	return []*RateLimiter{s.authLimiter, s.webhookLimiter}
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Get("/health", s.healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.apiV1Handler)

		r.Group(func(r chi.Router) {
			r.Use(s.webhookLimiter.Middleware)
			s.webhookEndpoints.RegisterRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.authLimiter.Middleware)
			s.authEndpoints.RegisterRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			// Any signed-in user
			s.conversationEndpoints.RegisterRoutes(r)
			s.assignmentEndpoints.RegisterStudentRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(models.RoleAdmin, models.RoleSuperAdmin))
				s.agentEndpoints.RegisterRoutes(r)
				s.assignmentEndpoints.RegisterAdminRoutes(r)
				s.categoryEndpoints.RegisterRoutes(r)
				s.statsEndpoints.RegisterRoutes(r)
				s.userEndpoints.RegisterRoutes(r)
				r.Method(http.MethodGet, "/events/ws", s.liveEvents)
			})

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(models.RoleSuperAdmin))
				s.adminEndpoints.RegisterRoutes(r)
			})
		})
	})

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Server forced to shutdown", "error", err)
		return err
	}

	s.log.Info("Server exited")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "up"

	if err := s.deps.Repo.Ping(r.Context()); err != nil {
		s.log.Warn("Health check database ping failed", "error", err)
		dbStatus = "down"
		status = "degraded"
	}

	body := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if s.deps.Procedures != nil {
		if err := s.deps.Procedures.Ping(r.Context()); err != nil {
			body["procedures"] = "down"
			body["status"] = "degraded"
		} else {
			body["procedures"] = "up"
		}
	}
	if files, size, err := s.audioCache.Stats(); err == nil {
		body["audio_cache"] = map[string]interface{}{"files": files, "bytes": size}
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "API v1", "version": "1.0.0"})
}
