// Package server exposes the gateway over HTTP: the OpenAI-shaped chat
// completion endpoint, the memory management API, model listing, and health.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/config"
	"github.com/pearlhq/pearl/internal/embedding"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/metrics"
	"github.com/pearlhq/pearl/internal/orchestrator"
	"github.com/pearlhq/pearl/internal/reqlog"
	"github.com/pearlhq/pearl/internal/store"
)

// Version is the reported server version.
const Version = "0.3.0"

// Params wires a Server. RequestLog and Provider are optional.
type Params struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Registry     *backend.Registry
	Store        *store.Store
	Provider     embedding.Provider
	RequestLog   *reqlog.Service
	Logger       *logger.Logger
}

// Server holds the handler dependencies and the start time used by health.
type Server struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	registry     *backend.Registry
	store        *store.Store
	provider     embedding.Provider
	requestLog   *reqlog.Service
	logger       *logger.Logger
	started      time.Time
}

// New creates a Server. It does not start listening; use Router with an
// http.Server so the caller controls shutdown.
func New(params Params) *Server {
	return &Server{
		cfg:          params.Config,
		orchestrator: params.Orchestrator,
		registry:     params.Registry,
		store:        params.Store,
		provider:     params.Provider,
		requestLog:   params.RequestLog,
		logger:       params.Logger.WithComponent("server"),
		started:      time.Now(),
	}
}

// Router builds the gin engine with all routes and middleware. Health and
// metrics are registered before the auth middleware so they bypass it.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	v1.GET("/health", s.handleHealth)

	v1.Use(s.authMiddleware())
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/models", s.handleModels)

		memories := v1.Group("/memories")
		{
			memories.GET("", s.handleListMemories)
			memories.POST("", s.handleCreateMemory)
			memories.DELETE("/:id", s.handleDeleteMemory)
			memories.GET("/stats", s.handleMemoryStats)
		}
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"version":            Version,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"pearl_initialized": s.orchestrator != nil,
	})
}

func (s *Server) handleModels(c *gin.Context) {
	data := []backend.ModelInfo{
		{ID: "auto", OwnedBy: "pearl"},
		{ID: "pearl", OwnedBy: "pearl"},
	}
	data = append(data, s.registry.AllModels(c.Request.Context())...)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	entries := make([]modelEntry, 0, len(data))
	for _, m := range data {
		entries = append(entries, modelEntry{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy})
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   entries,
	})
}
