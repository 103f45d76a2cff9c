// Package server exposes the distributed-worker REST API, the health
// endpoints, and the frontend message feed over HTTP.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/distributed"
	"github.com/mezzanine-av/mezzanine/frontend"
	"github.com/mezzanine-av/mezzanine/queue"
	"github.com/mezzanine-av/mezzanine/task"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the HTTP surface of the orchestrator.
type Server struct {
	cfg      config.ServerConfig
	registry *distributed.Registry
	tokens   *distributed.TokenManager
	queue    queue.TaskQueue
	store    *task.Store
	scratch  *task.ScratchStore
	bus      *frontend.Bus
	feed     *frontend.Feed
	db       *sql.DB
	logger   *zap.SugaredLogger

	cacheRoot string
	startedAt time.Time
	httpSrv   *http.Server
	ready     bool
}

// Options wires the server's collaborators.
type Options struct {
	Config    config.ServerConfig
	Registry  *distributed.Registry
	Tokens    *distributed.TokenManager
	Queue     queue.TaskQueue
	Store     *task.Store
	Scratch   *task.ScratchStore
	Bus       *frontend.Bus
	Feed      *frontend.Feed
	DB        *sql.DB
	CacheRoot string
	Logger    *zap.SugaredLogger
}

// New creates the server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		registry:  opts.Registry,
		tokens:    opts.Tokens,
		queue:     opts.Queue,
		store:     opts.Store,
		scratch:   opts.Scratch,
		bus:       opts.Bus,
		feed:      opts.Feed,
		db:        opts.DB,
		cacheRoot: opts.CacheRoot,
		logger:    opts.Logger,
		startedAt: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Config.Port),
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Distributed worker registration and token management.
	mux.HandleFunc("POST /api/v2/workers/register", s.handleRegister)
	mux.HandleFunc("POST /api/v2/workers/token", s.handleIssueToken)
	mux.HandleFunc("POST /api/v2/workers/token/refresh", s.authenticated(s.handleRefreshToken))
	mux.HandleFunc("POST /api/v2/workers/token/revoke", s.handleRevokeToken)
	mux.HandleFunc("GET /api/v2/workers/verify", s.authenticated(s.handleVerify))

	// Worker registry CRUD.
	mux.HandleFunc("GET /api/v2/workers/list", s.handleListWorkers)
	mux.HandleFunc("GET /api/v2/workers/{id}", s.handleGetWorker)
	mux.HandleFunc("PUT /api/v2/workers/{id}", s.authenticated(s.handleUpdateWorker, distributed.RoleWorker, distributed.RoleAdmin))
	mux.HandleFunc("DELETE /api/v2/workers/{id}", s.authenticated(s.handleDeleteWorker, distributed.RoleWorker, distributed.RoleAdmin))

	// Task claim/status and heartbeat.
	mux.HandleFunc("POST /api/v2/tasks/claim", s.authenticated(s.handleClaim, distributed.RoleWorker, distributed.RoleAdmin))
	mux.HandleFunc("POST /api/v2/tasks/{id}/status", s.authenticated(s.handleTaskStatus, distributed.RoleWorker, distributed.RoleAdmin))
	mux.HandleFunc("POST /api/v2/workers/heartbeat", s.authenticated(s.handleHeartbeat, distributed.RoleWorker, distributed.RoleAdmin))

	// Observability.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	// Frontend notifications.
	mux.HandleFunc("GET /api/v2/messages", s.handleMessages)
	if s.feed != nil {
		mux.Handle("GET /ws/messages", s.feed)
	}

	return mux
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.ready = true
	s.logger.Infow("HTTP server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.ready = false
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
