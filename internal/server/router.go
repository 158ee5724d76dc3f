package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tablechat/tablechat-backend/internal/handlers"
	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/middleware"
	"github.com/tablechat/tablechat-backend/internal/observability"
	"github.com/tablechat/tablechat-backend/internal/utils"
)

type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	ChatHandler    *handlers.ChatHandler
	SessionHandler *handlers.SessionHandler
	FileHandler    *handlers.FileHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173", cfg.Log), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))
	router.Use(middleware.Metrics(cfg.Metrics))

	router.GET("/healthcheck", handlers.HealthCheck)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := router.Group("/api")
	{
		api.POST("/chatbot/ask", cfg.ChatHandler.Ask)

		sessions := api.Group("/sessions")
		{
			sessions.GET("/:id/messages", cfg.SessionHandler.Messages)
			sessions.POST("/:id/title", cfg.SessionHandler.UpdateTitle)
			sessions.POST("/:id/stop", cfg.SessionHandler.Stop)
			sessions.DELETE("/:id", cfg.SessionHandler.Delete)
		}

		files := api.Group("/files")
		{
			files.DELETE("/:id", cfg.FileHandler.Delete)
			files.GET("/:id/download", cfg.FileHandler.Download)
		}
	}

	return router
}
