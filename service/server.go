package service

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/migration"
	"github.com/placekeeper-io/placekeeper/rangedeleter"
	"github.com/placekeeper-io/placekeeper/routing"
)

// Server is the node's HTTP surface: the data plane with version
// checking, the inter-node migration endpoints, and the admin API.
type Server struct {
	logger log.Logger
	cfg    *config.Config

	donor     *migration.DonorCoordinator
	recipient *migration.RecipientCoordinator
	gate      *routing.VersionGate
	router    *routing.Router
	pins      *rangedeleter.PinTracker

	httpServer *http.Server
}

func NewServer(
	cfg *config.Config, logger log.Logger,
	donor *migration.DonorCoordinator, recipient *migration.RecipientCoordinator,
	gate *routing.VersionGate, router *routing.Router, pins *rangedeleter.PinTracker,
) *Server {
	s := &Server{
		logger:    logger,
		cfg:       cfg,
		donor:     donor,
		recipient: recipient,
		gate:      gate,
		router:    router,
		pins:      pins,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api/v1")
	{
		api.POST("/migrations", s.handleBeginMigration)
		api.GET("/migrations/current", s.handleCurrentMigration)
		api.POST("/collections/:collection/docs", s.handleWriteDoc)
		api.GET("/collections/:collection/docs", s.handleReadDocs)
	}

	internal := engine.Group("/internal/v1/migrations")
	{
		internal.POST("", s.handleStartReceiving)
		internal.GET("/:migrationId/status", s.handleRecipientStatus)
		internal.POST("/:migrationId/commit", s.handleRecipientCommit)
		internal.POST("/:migrationId/finalize", s.handleRecipientFinalize)
		internal.GET("/:migrationId/clone-batch", s.handleCloneBatch)
		internal.GET("/:migrationId/mods", s.handlePullMods)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Core.ListenAddress,
		Handler: engine,
	}
	return s
}

// Start serves until Stop; it blocks, so run it in its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP service", tag.Value(s.cfg.Core.ListenAddress))
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests before shutting the listener down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the routing engine for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
