package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tablechat/tablechat-backend/internal/db"
	"github.com/tablechat/tablechat-backend/internal/handlers"
	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/observability"
	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/platform/gemini"
	"github.com/tablechat/tablechat-backend/internal/repos"
	"github.com/tablechat/tablechat-backend/internal/sandbox"
	"github.com/tablechat/tablechat-backend/internal/server"
	"github.com/tablechat/tablechat-backend/internal/services"
	"github.com/tablechat/tablechat-backend/internal/utils"
)

func main() {
	// Logger
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

	ctx := context.Background()

	// Observability
	metrics := observability.Init(log)
	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "tablechat",
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
	})
	defer func() {
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()
	if metrics != nil {
		metrics.StartPostgresCollector(ctx, log, thePG)
	}

	// Repos
	log.Info("Setting up Repos from main...")
	sessionRepo := repos.NewChatSessionRepo(thePG, log)
	messageRepo := repos.NewChatMessageRepo(thePG, log)
	fileRepo := repos.NewGeneratedFileRepo(thePG, log)
	sourceRepo := repos.NewDataSourceRepo(thePG, log)

	// Provider credentials. Read directly so the raw keys never reach
	// the env logging path.
	rawKeys := os.Getenv("GEMINI_API_KEYS")
	if rawKeys == "" {
		log.Error("GEMINI_API_KEYS is not set")
		os.Exit(1)
	}
	resetSeconds := utils.GetEnvAsInt("KEYPOOL_RESET_SECONDS", int(gemini.DefaultResetInterval/time.Second), log)
	keyPool, err := gemini.NewKeyPool(rawKeys, time.Duration(resetSeconds)*time.Second, log)
	if err != nil {
		log.Error("Could not init credential pool", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	geminiClient, err := gemini.NewClient(log)
	if err != nil {
		log.Error("Could not init GeminiClient", "error", err)
		os.Exit(1)
	}
	engine := sandbox.NewEngine(log)
	modelCaller := services.NewModelCaller(log, geminiClient, keyPool)
	codegenService := services.NewCodegenService(log, modelCaller)
	captionService := services.NewCaptionService(log, modelCaller)
	analysisService := services.NewAnalysisService(thePG, log, bucketService, engine,
		codegenService, captionService, sessionRepo, messageRepo, fileRepo, sourceRepo)
	sessionService := services.NewSessionService(thePG, log, bucketService, sessionRepo, messageRepo, fileRepo)
	fileService := services.NewFileService(thePG, log, bucketService, fileRepo)

	// Handlers
	log.Info("Setting up handlers from main...")
	chatHandler := handlers.NewChatHandler(analysisService)
	sessionHandler := handlers.NewSessionHandler(sessionService)
	fileHandler := handlers.NewFileHandler(fileService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		Log:            log,
		Metrics:        metrics,
		ChatHandler:    chatHandler,
		SessionHandler: sessionHandler,
		FileHandler:    fileHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
