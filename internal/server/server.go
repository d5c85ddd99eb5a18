// Package server exposes the kernel over HTTP and websocket: commands
// and queries under /api, the lossless event feed on /ws/events, and
// the advisory ui channel on /ws/ui. A lock file in the data directory
// lets CLI clients discover the listen address and token.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seed/internal/agent"
	"seed/internal/audit"
	"seed/internal/command"
	"seed/internal/config"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/logging"
	"seed/internal/observability"
	"seed/internal/task"
)

// Deps collects everything the HTTP layer serves.
type Deps struct {
	Config       config.Config
	Store        event.Store
	Projection   *task.Projection
	Conversation *conversation.Manager
	Audit        *audit.Log
	Commands     *command.Service
	Interactions *interaction.Service
	Agents       *agent.Registry
	Logger       logging.Logger
	Metrics      *observability.Metrics
}

// Server is the HTTP/websocket front end.
type Server struct {
	cfg          config.Config
	store        event.Store
	projection   *task.Projection
	conv         *conversation.Manager
	auditLog     *audit.Log
	commands     *command.Service
	interactions *interaction.Service
	agents       *agent.Registry
	logger       logging.Logger
	metrics      *observability.Metrics

	hub      *Hub
	upgrader websocket.Upgrader
	engine   *gin.Engine
	httpSrv  *http.Server
	token    string

	auditCancel func()
}

// New builds the server and its routes. The returned server's Hub is
// handed to the runtime manager as its UISink.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:          deps.Config,
		store:        deps.Store,
		projection:   deps.Projection,
		conv:         deps.Conversation,
		auditLog:     deps.Audit,
		commands:     deps.Commands,
		interactions: deps.Interactions,
		agents:       deps.Agents,
		logger:       logging.OrNop(deps.Logger),
		metrics:      deps.Metrics,
		hub:          NewHub(deps.Logger, deps.Metrics),
		token:        deps.Config.Server.AuthToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth gates the upgrade; origin policy adds nothing
			// for a localhost-first daemon.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.token == "" {
		s.token = NewToken()
	}
	s.engine = s.buildEngine()
	return s
}

// Hub returns the ui fan-out sink.
func (s *Server) Hub() *Hub { return s.hub }

// Token returns the effective auth token.
func (s *Server) Token() string { return s.token }

func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api", authMiddleware(s.token))
	{
		api.POST("/tasks", s.handleCreateTask)
		api.POST("/tasks/group", s.handleCreateTaskGroup)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)
		api.POST("/tasks/:id/pause", s.handlePauseTask)
		api.POST("/tasks/:id/resume", s.handleResumeTask)
		api.POST("/tasks/:id/instructions", s.handleAddInstruction)
		api.POST("/tasks/:id/interactions/:interactionId/respond", s.handleRespondInteraction)
		api.GET("/tasks/:id/pending-interaction", s.handlePendingInteraction)
		api.GET("/tasks/:id/messages", s.handleTaskMessages)
		api.GET("/tasks/:id/audit", s.handleTaskAudit)

		api.GET("/events", s.handleListEvents)
		api.GET("/events/:id", s.handleGetEvent)

		api.GET("/agents", s.handleListAgents)
		api.GET("/runtime", s.handleRuntimeInfo)
		api.PUT("/runtime/profile", s.handleSetProfile)
		api.PUT("/runtime/streaming", s.handleSetStreaming)
	}

	ws := engine.Group("/ws", authMiddleware(s.token))
	{
		ws.GET("/events", s.handleEventsWS)
		ws.GET("/ui", s.handleUIWS)
	}

	return engine
}

// Start binds the listener, records the lock file, and serves until
// the listener closes. It returns once serving stops.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	lf := &LockFile{
		PID:       os.Getpid(),
		Host:      s.cfg.Server.Host,
		Port:      port,
		Token:     s.token,
		StartedAt: time.Now().UTC(),
	}
	if err := WriteLockFile(s.cfg.DataDir, lf); err != nil {
		_ = ln.Close()
		return err
	}

	if s.auditLog != nil {
		feed, cancel := s.auditLog.Subscribe()
		s.auditCancel = cancel
		go func() {
			for e := range feed {
				s.hub.AuditEntry(e)
			}
		}()
	}

	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server listening on %s:%d", s.cfg.Server.Host, port)

	err = s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and removes the lock file.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditCancel != nil {
		s.auditCancel()
	}
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if rmErr := RemoveLockFile(s.cfg.DataDir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"cursor": s.projection.Cursor(),
	})
}
