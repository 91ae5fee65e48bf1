package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/helmsman-ops/helmsman/internal/agent"
	"github.com/helmsman-ops/helmsman/internal/config"
	"github.com/helmsman-ops/helmsman/internal/migrations"
	"github.com/helmsman-ops/helmsman/internal/pubsub"
	"github.com/helmsman-ops/helmsman/internal/services"
	"github.com/helmsman-ops/helmsman/internal/stop"
	"github.com/helmsman-ops/helmsman/internal/tools"
	"github.com/helmsman-ops/helmsman/pkg/llm/openai"
)

// Server is the agent HTTP server and the wiring of everything behind it.
type Server struct {
	srv      *fasthttp.Server
	addr     string
	conf     *config.Config
	services *services.Services

	bus          pubsub.Bus
	stops        *stop.Registry
	tools        *tools.Client
	orchestrator *agent.Orchestrator
	titles       *agent.TitleGenerator
}

// New wires the server: migrations, database, redis, the tool client, the
// LLM provider and the orchestrator.
func New(conf *config.Config) *Server {
	m, err := migrations.NewMigrator()
	if err != nil {
		panic("unable to create migrator")
	}

	if err := m.Up(0); err != nil {
		panic("unable to run migrations")
	}

	svc := services.NewServices(conf)

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", conf.REDIS_HOST, conf.REDIS_PORT),
		Username: conf.REDIS_USERNAME,
		Password: conf.REDIS_PASSWORD,
		DB:       conf.REDIS_DB,
	})

	bus := pubsub.NewRedisBus(rdb, conf.INTEGRATION_META_KEYS)
	stops := stop.NewRegistry(stop.NewRedisStore(rdb), time.Duration(conf.STOP_FLAG_TTL_SECONDS)*time.Second)
	toolClient := tools.NewClient(conf.MCP_SERVER_URL)

	provider := openai.NewClient(&openai.ClientOptions{
		BaseURL:    conf.LLM_BASE_URL,
		ApiKey:     conf.LLM_API_KEY,
		MaxRetries: conf.LLM_MAX_RETRIES,
		RetryBase:  time.Duration(conf.LLM_RETRY_BASE_SECONDS) * time.Second,
	})

	orchestrator := agent.NewOrchestrator(provider, toolClient, svc.Conversation, bus, stops, agent.Options{
		Model:           conf.LLM_MODEL,
		SystemPrompt:    conf.SYSTEM_PROMPT,
		WindowTokens:    conf.SLIDING_WINDOW_TOKENS,
		ApprovalTimeout: time.Duration(conf.APPROVAL_TIMEOUT_SECONDS) * time.Second,
	})

	s := &Server{
		srv:      &fasthttp.Server{},
		addr:     fmt.Sprintf("0.0.0.0:%s", conf.PORT),
		conf:     conf,
		services: svc,

		bus:          bus,
		stops:        stops,
		tools:        toolClient,
		orchestrator: orchestrator,
		titles:       agent.NewTitleGenerator(provider, svc.Conversation, conf.LLM_MODEL),
	}

	s.srv.Handler = s.initNewRoutes()

	return s
}

// Start the rest server
func (s *Server) Start() {
	slog.Info("Starting REST server...")
	go func() {
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			slog.Error("Server shutdown", slog.Any("error", err))
		}
	}()
	slog.Info("REST server started!")

	// Listen for OS interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block till we receive an interrupt
	<-c
	slog.Info("Received interrupt...")

	// Create a timeout
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.shutdown(ctx)
}

// Shutdown shuts down the rest server
func (s *Server) shutdown(ctx context.Context) {
	slog.Info("Gracefully shutting down REST server...")
	if err := s.srv.Shutdown(); err != nil {
		slog.Error("Failed to shutdown the server", slog.Any("error", err))
	}
	slog.Info("REST server shutdown!")
}
