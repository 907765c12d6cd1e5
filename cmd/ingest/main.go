package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/timmy/reclaim/internal/app"
	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/service"
	"github.com/timmy/reclaim/internal/source/staging"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "reclaim-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	tenant := flag.String("tenant", "", "Tenant to import into or reindex (empty reindexes every tenant)")
	manifest := flag.String("manifest", "", "Staging source directory holding manifest.jsonl and photos/")
	limit := flag.Int("limit", 0, "Maximum number of records to import or items to reindex (0 for all)")
	reindex := flag.Bool("reindex", false, "Recompute vectors produced by another model version")
	rematch := flag.Bool("rematch", false, "Run tenant matching after importing or reindexing")
	workers := flag.Int("workers", 0, "Import workers (overrides import.workers)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *manifest == "" && !*reindex {
		appLogger.Fatal("Nothing to do: pass -manifest and/or -reindex")
	}
	if *manifest != "" && *tenant == "" {
		appLogger.Fatal("-tenant is required with -manifest")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Import.Workers = *workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	if *manifest != "" {
		dir := filepath.Clean(*manifest)
		src := staging.NewAdapter(filepath.Dir(dir), filepath.Base(dir))
		job, err := a.Imports.ImportFromSource(ctx, *tenant, src, *limit, &service.ImportOptions{Rematch: *rematch})
		if err != nil {
			appLogger.WithError(err).Error("Import did not complete")
		}
		if job != nil {
			appLogger.WithFields(logger.Fields{
				"job_id":    job.ID,
				"total":     job.TotalItems,
				"processed": job.ProcessedItems,
				"skipped":   job.SkippedItems,
				"failed":    job.FailedItems,
				"matches":   job.MatchesCreated,
			}).Info("Import finished")
		}
		if err != nil {
			os.Exit(1)
		}
	}

	if *reindex {
		tenants := []string{*tenant}
		if *tenant == "" {
			if tenants, err = a.Items.ListTenants(ctx); err != nil {
				appLogger.WithError(err).Fatal("Failed to list tenants")
			}
		}
		for _, t := range tenants {
			n, err := a.Reports.Reindex(ctx, t, *limit)
			if err != nil {
				appLogger.WithField(logger.FieldTenantID, t).WithError(err).Fatal("Reindex failed")
			}
			appLogger.WithFields(logger.Fields{
				logger.FieldTenantID: t,
				logger.FieldCount:    n,
			}).Info("Reindex finished")

			if *rematch && n > 0 {
				stats, err := a.Reports.RunTenantMatching(ctx, t)
				if err != nil {
					appLogger.WithField(logger.FieldTenantID, t).WithError(err).Error("Rematch failed")
					continue
				}
				appLogger.WithFields(logger.Fields{
					logger.FieldTenantID: t,
					"created":            stats.Created,
				}).Info("Rematch finished")
			}
		}
	}
}
