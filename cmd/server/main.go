// Command server boots the orchestration core: loads three-layer config
// (defaults -> env -> flags), connects Postgres and Redis, wires the seven
// core components together, recovers stale executions left by a prior
// process, starts the retention sweeper, and serves the HTTP API. Follows
// core/config.go's NewConfig layering pattern and Option-function bootstrap
// conventions.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/agentmesh/orchestrator/agentstep"
	"github.com/agentmesh/orchestrator/api"
	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/eventbus"
	"github.com/agentmesh/orchestrator/execution"
	"github.com/agentmesh/orchestrator/graph"
	"github.com/agentmesh/orchestrator/registry"
	"github.com/agentmesh/orchestrator/retention"
	"github.com/agentmesh/orchestrator/store"
	"github.com/agentmesh/orchestrator/store/postgres"
	"github.com/agentmesh/orchestrator/structuredoutput"
	"github.com/agentmesh/orchestrator/topology"

	_ "github.com/agentmesh/orchestrator/ai/providers/anthropic"
	_ "github.com/agentmesh/orchestrator/ai/providers/bedrock"
	_ "github.com/agentmesh/orchestrator/ai/providers/gemini"
	_ "github.com/agentmesh/orchestrator/ai/providers/openai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

var (
	errMigration = fmt.Errorf("migration failed")
)

func exitCodeFor(err error) int {
	if err == errMigration {
		return 2
	}
	return 1
}

func run() error {
	var (
		port          = flag.Int("port", envInt("ORCHESTRATOR_PORT", 8080), "HTTP listen port")
		databaseURL   = flag.String("database-url", os.Getenv("ORCHESTRATOR_DATABASE_URL"), "Postgres connection string")
		redisURL      = flag.String("redis-url", envOr("ORCHESTRATOR_REDIS_URL", "redis://localhost:6379"), "Redis connection URL for registries and the event bus cache")
		retentionDays = flag.Int("retention-days", envInt("ORCHESTRATOR_RETENTION_DAYS", 30), "days an Execution is kept before the nightly sweep deletes it")
		nMax          = flag.Int("n-max", envInt("ORCHESTRATOR_N_MAX", 100), "maximum concurrently RUNNING executions process-wide")
		devMode       = flag.Bool("dev", os.Getenv("ORCHESTRATOR_ENV") != "production", "human-readable logs and permissive CORS")
	)
	flag.Parse()

	cfg, err := core.NewConfig(
		core.WithName("orchestration-core"),
		core.WithPort(*port),
	)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	componentLogger, _ := logger.WithComponent("orchestration/bootstrap").(core.ComponentAwareLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *databaseURL == "" {
		return fmt.Errorf("--database-url (or ORCHESTRATOR_DATABASE_URL) is required")
	}
	pg, err := postgres.New(ctx, *databaseURL, componentLogger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		logger.Error("schema migration failed", map[string]interface{}{"error": err.Error()})
		return errMigration
	}

	redisOpts, err := goredis.ParseURL(*redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	teams := pg.Teams()
	executions := pg.Executions()
	logs := pg.ExecutionLogs()

	modelRegistry := registry.NewModelRegistry(rdb, componentLogger)
	toolRegistry := registry.NewToolRegistry(componentLogger)

	validator := topology.NewValidator(modelRegistry, toolRegistry, componentLogger)
	bus := eventbus.New(logs, componentLogger)
	step := agentstep.New(bus, componentLogger)
	parser := structuredoutput.New(componentLogger)

	turns := func(ctx context.Context, node store.Node) (agentstep.LLMTurn, error) {
		client, err := modelRegistry.ResolveModel(ctx, node.AgentConfig.ModelRef.ProviderTag, node.AgentConfig.ModelRef.ModelID)
		if err != nil {
			return nil, err
		}
		return &aiTurn{client: client, agent: node.AgentConfig}, nil
	}

	synth := func(ctx context.Context, supervisor store.Node, task string, terminalOutputs map[string]string) (string, error) {
		turn, err := turns(ctx, supervisor)
		if err != nil {
			return "", err
		}
		return synthesize(ctx, turn, supervisor, task, terminalOutputs)
	}

	runner := graph.New(bus, step, toolRegistry, synth, componentLogger)

	manager := execution.New(execution.Config{
		NMax:       *nMax,
		Teams:      teams,
		Executions: executions,
		Validator:  validator,
		Runner:     runner,
		Turns:      turns,
		Parser:     parser,
		Logger:     componentLogger,
	})

	if err := execution.RecoverOnStartup(ctx, executions, componentLogger); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	sweeper, err := retention.NewSweeper(executions, *retentionDays, "", componentLogger)
	if err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	server := &api.Server{
		Teams:     teams,
		Manager:   manager,
		Validator: validator,
		Bus:       bus,
		Logs:      logs,
		Logger:    componentLogger,
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      server.Handler(*devMode, []string{"*"}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams hold connections open indefinitely
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("orchestration core listening", map[string]interface{}{"port": *port})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}
