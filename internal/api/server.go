package api

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsight/callsight/internal/api/middleware"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/session"
	"github.com/callsight/callsight/internal/storage"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	users         database.UserRepository
	extensions    database.ExtensionRepository
	conversations database.ConversationRepository
	documents     database.DocumentRepository

	sessions *session.Store
	blobs    storage.Store

	jwtSecret []byte
}

// NewServer creates the HTTP handler with all routes mounted. gatherer
// serves the /metrics endpoint.
func NewServer(db *database.DB, cfg *config.Config, sessions *session.Store,
	blobs storage.Store, gatherer prometheus.Gatherer) (*Server, error) {
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	if secret == nil {
		// No configured secret: generate one for this process. Issued
		// tokens will not survive a restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		slog.Warn("no jwt secret configured, generated an ephemeral one")
	}

	s := &Server{
		router:        chi.NewRouter(),
		cfg:           cfg,
		users:         database.NewUserRepository(db),
		extensions:    database.NewExtensionRepository(db),
		conversations: database.NewConversationRepository(db),
		documents:     database.NewDocumentRepository(db),
		sessions:      sessions,
		blobs:         blobs,
		jwtSecret:     secret,
	}

	s.routes(gatherer)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	apiLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	authLimiter := middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig())

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(apiLimiter))

		// Login is unauthenticated but rate limited harder against
		// credential stuffing.
		r.With(middleware.RateLimit(authLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.jwtSecret))

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/logout", s.handleLogout)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.handleListUsers)
				r.With(middleware.RequireAdmin).Post("/", s.handleCreateUser)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetUser)
					r.With(middleware.RequireAdmin).Put("/", s.handleUpdateUser)
					r.With(middleware.RequireAdmin).Delete("/", s.handleDeleteUser)
				})
			})

			r.Route("/extensions", func(r chi.Router) {
				r.Get("/", s.handleListExtensions)
				r.With(middleware.RequireAdmin).Post("/", s.handleCreateExtension)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetExtension)
					r.With(middleware.RequireAdmin).Put("/", s.handleUpdateExtension)
					r.With(middleware.RequireAdmin).Delete("/", s.handleDeleteExtension)
				})
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.handleListConversations)
				r.Get("/{id}", s.handleGetConversation)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/{id}", s.handleGetCall)
			})

			r.Route("/recordings", func(r chi.Router) {
				r.Get("/", s.handleListRecordings)
				r.Get("/{id}/download", s.handleDownloadRecording)
			})
		})
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
