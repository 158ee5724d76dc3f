package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tablechat/tablechat-backend/internal/db"
	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
	"github.com/tablechat/tablechat-backend/internal/services"
)

// Reconciliation sweep: removes database rows whose session is gone
// and generated objects no live record references. Run from cron or by
// hand; the API keeps serving while it runs.
func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	messageRepo := repos.NewChatMessageRepo(thePG, log)
	fileRepo := repos.NewGeneratedFileRepo(thePG, log)
	cleanupService := services.NewCleanupService(thePG, log, bucketService, messageRepo, fileRepo)

	report, err := cleanupService.Sweep(context.Background())
	if err != nil {
		log.Error("Sweep failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Sweep complete: %d orphaned messages, %d orphaned objects removed\n",
		report.OrphanMessages, report.OrphanObjects)
}
