package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tidelock/conversant-backend/internal/handlers"
	"github.com/tidelock/conversant-backend/internal/middleware"
	"github.com/tidelock/conversant-backend/internal/utils"
)

type RouterConfig struct {
	AuthMiddleware      *middleware.AuthMiddleware
	ConversationHandler *handlers.ConversationHandler
	ToolCallHandler     *handlers.ToolCallHandler
	SSEHandler          *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	origins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", nil), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Conversations
	protected.POST("/conversations", cfg.ConversationHandler.Create)
	protected.GET("/conversations", cfg.ConversationHandler.List)
	protected.GET("/conversations/:id", cfg.ConversationHandler.Get)
	protected.PATCH("/conversations/:id/title", cfg.ConversationHandler.UpdateTitle)
	protected.POST("/conversations/:id/archive", cfg.ConversationHandler.Archive)
	protected.POST("/conversations/:id/truncate", cfg.ConversationHandler.Truncate)
	protected.POST("/conversations/:id/fork", cfg.ConversationHandler.Fork)
	// Messages
	protected.GET("/conversations/:id/messages", cfg.ConversationHandler.Messages)
	protected.POST("/conversations/:id/messages", cfg.ConversationHandler.PostMessage)
	protected.GET("/messages/:message_id/chunks", cfg.ConversationHandler.Chunks)
	// Streaming
	protected.POST("/conversations/:id/stream", cfg.ConversationHandler.StartStream)
	protected.GET("/conversations/:id/events", cfg.SSEHandler.Stream)
	// Tool calls
	protected.GET("/conversations/:id/tool-calls", cfg.ToolCallHandler.List)
	protected.POST("/conversations/:id/tool-calls/decision", cfg.ToolCallHandler.Decide)

	return router
}
