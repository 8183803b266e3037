package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/orderhub/breaker"
	"example.com/orderhub/config"
	"example.com/orderhub/eventstore"
	"example.com/orderhub/metrics"
	"example.com/orderhub/projections"
	"example.com/orderhub/service"
)

// SnapshotCache is the caching surface the snapshot handlers need.
// Implemented by cache.SnapshotCache.
type SnapshotCache interface {
	Get(ctx context.Context, projectionName, aggregateID string, value interface{}) error
	Set(ctx context.Context, projectionName, aggregateID string, value interface{}) error
	Invalidate(ctx context.Context, projectionName, aggregateID string) error
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.Config
	router     *gin.Engine
	httpServer *http.Server

	store     eventstore.Store
	engine    *projections.Engine
	recorder  *service.Recorder
	snapshots SnapshotCache
	breakers  map[string]*breaker.CircuitBreaker
	metrics   *metrics.Metrics
}

// NewServer creates a new API server
func NewServer(
	cfg config.Config,
	store eventstore.Store,
	engine *projections.Engine,
	recorder *service.Recorder,
	snapshots SnapshotCache,
	breakers map[string]*breaker.CircuitBreaker,
	collector *metrics.Metrics,
) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		cfg:       cfg,
		router:    gin.New(),
		store:     store,
		engine:    engine,
		recorder:  recorder,
		snapshots: snapshots,
		breakers:  breakers,
		metrics:   collector,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	if s.cfg.CorsEnabled {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.metrics))
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	s.router.GET("/metrics", s.getMetrics)

	v1 := s.router.Group("/api/v1")

	// Event log routes
	eventRoutes := v1.Group("/events")
	{
		eventRoutes.POST("", s.appendEvent)
		eventRoutes.GET("", s.listEvents)
	}

	// Aggregate history
	v1.GET("/aggregates/:type/:id/events", s.getAggregateEvents)

	// Projection routes
	projectionRoutes := v1.Group("/projections/:name")
	{
		projectionRoutes.GET("/snapshots", s.listSnapshots)
		projectionRoutes.GET("/snapshots/:aggregateId", s.getSnapshot)
		projectionRoutes.POST("/replay", s.replayProjection)
	}

	// Stats and breakers
	v1.GET("/stats", s.getStats)
	v1.GET("/breakers", s.listBreakers)
	v1.POST("/breakers/:name/reset", s.resetBreaker)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ServerAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ServerTimeout,
		WriteTimeout: s.cfg.ServerTimeout,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
