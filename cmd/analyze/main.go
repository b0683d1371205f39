package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

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
	// Logs go to stderr so stdout carries only the JSON result
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stderr,
		ServiceName: "platecal-analyze",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	imagePath := flag.String("image", "", "Path to the meal photo (JPEG, PNG, GIF or WebP)")
	save := flag.Bool("save", false, "Store the estimate and photo in the food journal")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *imagePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
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

	raw, err := os.ReadFile(*imagePath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read image")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	target, err := netwatch.TargetFromURL(cfg.Vision.BaseURL)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid vision base URL")
	}
	monitor, err := netwatch.New(netwatch.Config{Target: target, ProbeInterval: cfg.Vision.ProbeInterval})
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

	// The journal is only opened when the result is saved.
	var records *repository.FoodRecordRepository
	var objectStorage storage.ObjectStorage
	if *save {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize database")
		}
		records = repository.NewFoodRecordRepository(db)

		if cfg.Storage.Enabled {
			objectStorage, err = storage.NewStorage(&cfg.Storage)
			if err != nil {
				appLogger.WithError(err).Fatal("Failed to initialize storage")
			}
			if err := objectStorage.EnsureBucket(ctx); err != nil {
				appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
			}
		}
	}

	meals := service.NewMealService(
		records,
		visionClient,
		imaging.NewCompressor(cfg.Imaging.MaxDimension, cfg.Imaging.Quality),
		objectStorage,
		nil,
		appLogger,
		&service.MealConfig{Location: loc},
	)

	appLogger.WithFields(logger.Fields{
		"image": *imagePath,
		"save":  *save,
		"model": visionClient.Model(),
	}).Info("Analyzing photo")

	result, err := meals.AnalyzePhoto(ctx, raw, *save)
	if err != nil {
		appLogger.WithError(err).Fatal("Analysis failed")
	}

	var out interface{} = result.Estimate
	if result.Record != nil {
		out = result.Record
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		appLogger.WithError(err).Fatal("Failed to write result")
	}
}
