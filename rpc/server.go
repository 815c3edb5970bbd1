package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridmesh/gateway/middleware"
	"gridmesh/payments"
	"gridmesh/registry"
	"gridmesh/scheduler"
	"gridmesh/workspace"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Deps carries everything the API surface is composed from.
type Deps struct {
	Registry  *registry.Registry
	Queue     *scheduler.Queue
	Payments  *payments.Engine
	Directory *workspace.Directory
	Users     *UserStore
	Sessions  *middleware.Sessions

	AdminKey string
	WSPath   string
	Version  string
	Logger   *slog.Logger
}

// Server is the HTTP and node-channel boundary of the orchestrator.
type Server struct {
	router chi.Router

	reg      *registry.Registry
	queue    *scheduler.Queue
	pay      *payments.Engine
	dir      *workspace.Directory
	users    *UserStore
	sessions *middleware.Sessions

	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// NewServer wires the route tree. The returned server is an http.Handler.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		reg:       deps.Registry,
		queue:     deps.Queue,
		pay:       deps.Payments,
		dir:       deps.Directory,
		users:     deps.Users,
		sessions:  deps.Sessions,
		logger:    logger,
		version:   deps.Version,
		startedAt: time.Now(),
	}

	wsPath := deps.WSPath
	if wsPath == "" {
		wsPath = "/ws/node"
	}

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"auth": {RequestsPerMinute: 30, Burst: 10},
		"api":  {RequestsPerMinute: 300, Burst: 50},
	})

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get(wsPath, s.handleNodeChannel)

	r.Route("/auth", func(auth chi.Router) {
		auth.Use(limiter.Middleware("auth"))
		auth.Use(middleware.Observe("auth", logger))
		auth.Post("/signup", s.handleSignup)
		auth.Post("/login", s.handleLogin)
		auth.With(s.sessions.Middleware()).Get("/me", s.handleMe)
	})

	r.Group(func(api chi.Router) {
		api.Use(limiter.Middleware("api"))
		api.Use(s.sessions.Middleware())
		api.Use(middleware.Observe("api", logger))

		api.Post("/jobs", s.handleSubmitJob)
		api.Get("/jobs", s.handleListJobs)
		api.Get("/jobs/{id}", s.handleGetJob)
		api.Delete("/jobs/{id}", s.handleCancelJob)

		api.Get("/my-nodes", s.handleMyNodes)
		api.Post("/nodes/{id}/claim", s.handleClaimNode)
		api.Put("/nodes/{id}/workspaces", s.handleNodeWorkspaces)
		api.Post("/nodes/{id}/limits", s.handleNodeLimits)

		api.Post("/workspaces", s.handleCreateWorkspace)
		api.Get("/workspaces", s.handleListWorkspaces)
		api.Post("/workspaces/join", s.handleJoinWorkspace)
		api.Get("/workspaces/{id}", s.handleGetWorkspace)
		api.Get("/workspaces/{id}/nodes", s.handleWorkspaceNodes)
		api.Post("/workspaces/{id}/leave", s.handleLeaveWorkspace)
		api.Delete("/workspaces/{id}", s.handleDeleteWorkspace)
		api.Post("/workspaces/{id}/invite/regenerate", s.handleRegenerateInvite)

		api.Post("/accounts", s.handleCreateAccount)
		api.Get("/accounts/{id}", s.handleGetAccount)
		api.Post("/accounts/{id}/deposit", s.handleDeposit)
		api.Post("/accounts/{id}/withdraw", s.handleWithdraw)
		api.Post("/deposits/{id}/confirm", s.handleConfirmDeposit)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.AdminKey(deps.AdminKey))
		admin.Post("/accounts/{id}/credit", s.handleAdminCredit)
		admin.Post("/users/{id}/keys", s.handleAdminCreateKey)
		admin.Get("/users/{id}/keys", s.handleAdminListKeys)
		admin.Delete("/keys/{id}", s.handleAdminRevokeKey)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// decodeBody reads a JSON request body with the 1 MiB cap applied.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
