package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/platecal/internal/api"
	"github.com/timmy/platecal/internal/config"
	"github.com/timmy/platecal/internal/imaging"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/netwatch"
	"github.com/timmy/platecal/internal/repository"
	"github.com/timmy/platecal/internal/service"
	"github.com/timmy/platecal/internal/storage"
	"github.com/timmy/platecal/internal/vision"
)

func main() {
	// Initialize logger first (LOG_* and APP_ENV)
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		appLogger.WithError(err).Fatal("Invalid config")
	}
	loc, err := cfg.App.Location()
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid timezone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	records := repository.NewFoodRecordRepository(db)

	// Photo storage is optional; without it photos are kept inline.
	var objectStorage storage.ObjectStorage
	if cfg.Storage.Enabled {
		objectStorage, err = storage.NewStorage(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
	}

	// Reachability monitor for the vision endpoint
	target, err := netwatch.TargetFromURL(cfg.Vision.BaseURL)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid vision base URL")
	}
	monitor, err := netwatch.New(netwatch.Config{
		Target:        target,
		ProbeInterval: cfg.Vision.ProbeInterval,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to create reachability monitor")
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	visionClient, err := vision.NewClient(cfg.Vision.ClientConfig(), vision.WithReachability(monitor))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to create vision client")
	}
	defer visionClient.Close()

	// Similar-meal index (optional)
	var index service.MealIndex
	if cfg.Similarity.Enabled {
		embeddingCfg := cfg.Similarity.Embedding.WithFallback(cfg.Vision)
		qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:            cfg.Similarity.Qdrant.Host,
			Port:            cfg.Similarity.Qdrant.Port,
			Collection:      cfg.Similarity.Qdrant.Collection,
			APIKey:          cfg.Similarity.Qdrant.APIKey,
			UseTLS:          cfg.Similarity.Qdrant.UseTLS,
			VectorDimension: embeddingCfg.Dimensions,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize Qdrant repository")
		}
		defer qdrantRepo.Close()

		if err := qdrantRepo.EnsureCollection(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure Qdrant collection")
		}

		embeddingService := service.NewEmbeddingService(&service.EmbeddingConfig{
			BaseURL:    embeddingCfg.BaseURL,
			Model:      embeddingCfg.Model,
			APIKey:     embeddingCfg.APIKey,
			Dimensions: embeddingCfg.Dimensions,
		})
		index = service.NewSimilarityService(embeddingService, qdrantRepo, cfg.Similarity.TopK)

		appLogger.WithFields(logger.Fields{
			"model":      embeddingService.GetModel(),
			"collection": cfg.Similarity.Qdrant.Collection,
		}).Info("Similar-meal search enabled")
	}

	meals := service.NewMealService(
		records,
		visionClient,
		imaging.NewCompressor(cfg.Imaging.MaxDimension, cfg.Imaging.Quality),
		objectStorage,
		index,
		appLogger,
		&service.MealConfig{Location: loc},
	)

	// Setup router
	router := api.SetupRouter(api.Dependencies{
		Meals:        meals,
		Reachability: monitor,
		Model:        visionClient.Model(),
		Logger:       appLogger,
	}, &cfg.Server)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"vision":  target,
			"storage": cfg.Storage.Enabled,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
