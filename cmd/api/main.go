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

	"github.com/timmy/reclaim/internal/api"
	"github.com/timmy/reclaim/internal/app"
	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/logger"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// CONFIG_PATH points production deployments at their config file
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	a, err := app.New(startupCtx, cfg)
	cancelStartup()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	router := api.SetupRouter(&api.Services{
		Embeddings: a.Embeddings,
		Reports:    a.Reports,
		Visual:     a.Visual,
		Validator:  a.Validator,
		Imports:    a.Imports,
		Metrics:    a.Metrics.Handler(),
	}, api.RouterConfig{
		Mode:          cfg.Server.Mode,
		CORS:          cfg.Server.CORS,
		StagingPath:   cfg.Import.StagingPath,
		MaxPhotoBytes: int64(cfg.Vision.MaxBytes),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":        cfg.Server.Port,
			"mode":        cfg.Server.Mode,
			"text_model":  a.Embeddings.TextModel(),
			"image_model": a.Embeddings.ImageModel(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	appLogger.Info("Server exited")
}
