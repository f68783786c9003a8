package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"vectordb/internal/errs"
	"vectordb/internal/vecdb"
)

type Options struct {
	// MaxConcurrentRequests rejects requests beyond the ceiling with 429.
	// Zero means unlimited.
	MaxConcurrentRequests int64
	RequestTimeout        time.Duration
	Logger                *slog.Logger
}

// NewRouter builds the gin engine serving the registry.
func NewRouter(registry *vecdb.Registry, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := NewHandler(registry, opts.Logger)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	router.GET("/health", h.HandleHealth)

	limited := router.Group("/")
	if opts.MaxConcurrentRequests > 0 {
		limited.Use(h.limitConcurrency(semaphore.NewWeighted(opts.MaxConcurrentRequests)))
	}
	if opts.RequestTimeout > 0 {
		limited.Use(withTimeout(opts.RequestTimeout))
	}
	SetupRoutes(limited, h)
	return router
}

// SetupRoutes registers every endpoint of h on router.
func SetupRoutes(router gin.IRouter, h *Handler) {
	router.POST("/databases", h.HandleCreateDatabase)
	router.GET("/databases", h.HandleListDatabases)
	router.GET("/databases/:db", h.HandleGetDatabase)
	router.DELETE("/databases/:db", h.HandleDeleteDatabase)

	// bare routes use the default database
	setupCollectionRoutes(router.Group("/collections"), h)
	setupCollectionRoutes(router.Group("/databases/:db/collections"), h)
}

func setupCollectionRoutes(g *gin.RouterGroup, h *Handler) {
	g.POST("", h.HandleCreateCollection)
	g.GET("", h.HandleListCollections)
	g.GET("/:name", h.HandleGetCollection)
	g.DELETE("/:name", h.HandleDeleteCollection)
	g.POST("/:name/vectors/upsert", h.HandleUpsert)
	g.GET("/:name/vectors", h.HandleGetPoints)
	g.DELETE("/:name/vectors", h.HandleDeletePoints)
	g.POST("/:name/search", h.HandleSearch)
	g.POST("/:name/search/batch", h.HandleBatchSearch)
	g.GET("/:name/stats", h.HandleStats)
	g.POST("/:name/compact", h.HandleCompact)
}

func (h *Handler) limitConcurrency(sem *semaphore.Weighted) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sem.TryAcquire(1) {
			h.fail(c, errs.ResourceExhausted("too many concurrent requests"))
			return
		}
		defer sem.Release(1)
		c.Next()
	}
}

func withTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}
