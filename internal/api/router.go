package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/platecal/internal/api/handler"
	"github.com/timmy/platecal/internal/api/middleware"
	"github.com/timmy/platecal/internal/config"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/service"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Meals *service.MealService
	// Reachability is optional; /health omits vision status without it.
	Reachability handler.ReachabilityReporter
	Model        string
	Logger       *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, cfg *config.ServerConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	if cfg.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = cfg.MaxUploadBytes
	}

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.Reachability, deps.Model)
	analyzeHandler := handler.NewAnalyzeHandler(deps.Meals, cfg.MaxUploadBytes)
	recordHandler := handler.NewRecordHandler(deps.Meals)
	journalHandler := handler.NewJournalHandler(deps.Meals)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Analysis
		v1.POST("/analyze", analyzeHandler.Analyze)

		// Records
		v1.POST("/records", recordHandler.CreateManual)
		v1.GET("/records", recordHandler.List)
		v1.GET("/records/:id", recordHandler.Get)
		v1.PUT("/records/:id", recordHandler.Update)
		v1.DELETE("/records/:id", recordHandler.Delete)
		v1.GET("/records/:id/image", recordHandler.Image)
		v1.GET("/records/:id/similar", recordHandler.Similar)

		// Journal
		v1.GET("/summary", journalHandler.Summary)
		v1.GET("/history", journalHandler.History)
	}

	return r
}
