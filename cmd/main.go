package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidelock/conversant-backend/internal/bus"
	"github.com/tidelock/conversant-backend/internal/db"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/executor"
	"github.com/tidelock/conversant-backend/internal/handlers"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/middleware"
	"github.com/tidelock/conversant-backend/internal/projector"
	"github.com/tidelock/conversant-backend/internal/provider"
	"github.com/tidelock/conversant-backend/internal/repos"
	"github.com/tidelock/conversant-backend/internal/server"
	"github.com/tidelock/conversant-backend/internal/services"
	"github.com/tidelock/conversant-backend/internal/sse"
	"github.com/tidelock/conversant-backend/internal/tools"
	"github.com/tidelock/conversant-backend/internal/utils"
)

// fanout routes SSE messages. With a redis bus configured every message
// goes through redis and each instance (this one included) delivers to its
// own hub via the forwarder; without redis it broadcasts directly.
type fanout struct {
	hub *sse.SSEHub
	bus bus.SSEBus
}

func (f *fanout) Broadcast(msg sse.SSEMessage) {
	if f.bus != nil {
		if err := f.bus.Publish(context.Background(), msg); err == nil {
			return
		}
		// Fall back to local-only delivery on publish failure.
	}
	f.hub.Broadcast(msg)
}

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

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	port := utils.GetEnv("PORT", "8080", log)
	maxToolRounds := utils.GetEnvAsInt("MAX_TOOL_ROUNDS", services.DefaultMaxToolRounds, log)
	maxRetries := utils.GetEnvAsInt("PROVIDER_MAX_RETRIES", services.DefaultMaxRetries, log)
	backoffBaseMS := utils.GetEnvAsInt("PROVIDER_BACKOFF_BASE_MS", 500, log)
	approvalTimeoutS := utils.GetEnvAsInt("TOOL_APPROVAL_TIMEOUT_SECONDS", 60, log)
	sweepIntervalS := utils.GetEnvAsInt("SWEEP_INTERVAL_SECONDS", 60, log)
	sweepThresholdS := utils.GetEnvAsInt("SWEEP_STALE_THRESHOLD_SECONDS", 300, log)

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

	// Repos
	log.Info("Setting up Repos from main...")
	conversationRepo := repos.NewConversationRepo(thePG, log)
	messageRepo := repos.NewMessageRepo(thePG, log)
	messageChunkRepo := repos.NewMessageChunkRepo(thePG, log)
	toolCallRepo := repos.NewToolCallRepo(thePG, log)

	// Event sourcing core
	store := eventstore.NewStore(thePG, log)
	exec := executor.New(store, log)
	proj := projector.New(store, conversationRepo, messageRepo, messageChunkRepo, toolCallRepo, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)
	notifier := &fanout{hub: sseHub}
	if os.Getenv("REDIS_ADDR") != "" {
		sseBus, err := bus.NewRedisSSEBus(log)
		if err != nil {
			log.Error("Redis SSE bus init failed", "error", err)
			os.Exit(1)
		}
		if err := sseBus.StartForwarder(context.Background(), sseHub.Broadcast); err != nil {
			log.Error("Redis SSE forwarder failed to start", "error", err)
			os.Exit(1)
		}
		notifier.bus = sseBus
	}

	// Approval bus
	var approvals bus.ApprovalBus
	if os.Getenv("REDIS_ADDR") != "" {
		approvals, err = bus.NewRedisApprovalBus(log)
		if err != nil {
			log.Error("Redis approval bus init failed", "error", err)
			os.Exit(1)
		}
	} else {
		log.Info("REDIS_ADDR not set, using in-process approval bus")
		approvals = bus.NewMemoryApprovalBus()
	}

	// Provider
	providerClient, err := provider.NewClient(log)
	if err != nil {
		log.Error("Could not init provider client", "error", err)
		os.Exit(1)
	}

	// Tools
	toolRegistry := tools.NewRegistry(log)
	registerBuiltinTools(toolRegistry)

	// Services
	log.Info("Setting up Services from main...")
	streamDefaults := services.StreamConfig{
		MaxToolRounds:   maxToolRounds,
		MaxRetries:      maxRetries,
		BackoffBase:     time.Duration(backoffBaseMS) * time.Millisecond,
		ApprovalTimeout: time.Duration(approvalTimeoutS) * time.Second,
	}
	orchestrator := services.NewStreamOrchestrator(
		exec, providerClient.Stream, toolRegistry, proj, approvals, notifier, log)
	conversationService := services.NewConversationService(
		exec, store, proj, orchestrator, streamDefaults, log)
	sweeper := services.NewSweeper(
		conversationRepo, exec, proj,
		time.Duration(sweepIntervalS)*time.Second,
		time.Duration(sweepThresholdS)*time.Second,
		log)
	go sweeper.Start(context.Background())

	// Handlers
	log.Info("Setting up Handlers from main...")
	conversationHandler := handlers.NewConversationHandler(
		conversationService, conversationRepo, messageRepo, messageChunkRepo)
	toolCallHandler := handlers.NewToolCallHandler(approvals, toolCallRepo)
	sseHandler := handlers.NewSSEHandler(sseHub)
	authMiddleware := middleware.NewAuthMiddleware(log, jwtSecretKey)

	// Router
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware:      authMiddleware,
		ConversationHandler: conversationHandler,
		ToolCallHandler:     toolCallHandler,
		SSEHandler:          sseHandler,
	})

	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

// registerBuiltinTools wires the handful of tools this deployment serves
// in-process, plus any remote endpoints named in TOOL_ENDPOINTS
// ("name=url,name=url").
func registerBuiltinTools(reg *tools.Registry) {
	reg.Register(provider.ToolDef{
		Name:        "current_time",
		Description: "Returns the current server time in RFC 3339 format.",
	}, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"time": time.Now().Format(time.RFC3339)}, nil
	})

	for _, pair := range splitPairs(os.Getenv("TOOL_ENDPOINTS")) {
		reg.RegisterHTTP(provider.ToolDef{Name: pair[0]}, pair[1])
	}
}

func splitPairs(raw string) [][2]string {
	var out [][2]string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if name, url, ok := strings.Cut(entry, "="); ok && name != "" && url != "" {
			out = append(out, [2]string{name, url})
		}
	}
	return out
}
