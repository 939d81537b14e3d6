// Kestrel - Real-time fraud decisions for event streams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/counters"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matrix"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine := rules.NewEngine(cfg.Risk, logger)

	// Load rules and compositions from database (no hardcoded defaults)
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"compositions_count", engine.CompositionsCount(),
	)

	// Initialize Decision Matrix
	m := matrix.New(cfg.Matrix)
	if err := loadMatrixFromDatabase(ctx, repo, m); err != nil {
		slog.Error("failed to load decision matrix", "error", err)
		os.Exit(1)
	}
	slog.Info("decision matrix initialized", "entries", m.Size())

	// Initialize decision pipeline
	analyzer := behavior.NewAnalyzer(behavior.DefaultWeights())
	builder := counters.NewBuilder(repo, cacheImpl, analyzer, logger)
	fprTracker := counters.NewFPRTracker(repo, cacheImpl, 0, logger)
	aggregator := risk.NewAggregator(cfg.Risk)
	orchestrator := decision.NewOrchestrator(engine, aggregator, m, builder, fprTracker, logger)
	slog.Info("decision orchestrator initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, orchestrator)

		projectIDs := []string{}
		if envProjects := os.Getenv("KESTREL_PROJECTS"); envProjects != "" {
			for _, p := range strings.Split(envProjects, ",") {
				if p = strings.TrimSpace(p); p != "" {
					projectIDs = append(projectIDs, p)
				}
			}
		}

		workerCfg := worker.Config{
			ProjectIDs: projectIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "project_count", len(projectIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, m, orchestrator, fprTracker, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase loads rules and compositions into the engine.
// All rules are configured via the API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRules(ctx, api.GlobalProjectID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		if err := engine.ReloadRules(dbRules); err != nil {
			return err
		}
	} else {
		slog.Info("no rules in database - configure via POST /rules API")
	}

	dbComps, err := repo.ListCompositions(ctx, api.GlobalProjectID)
	if err != nil {
		slog.Warn("failed to list compositions from database", "error", err)
		return nil
	}

	if len(dbComps) > 0 {
		slog.Info("loading compositions from database", "count", len(dbComps))
		return engine.ReloadCompositions(dbComps)
	}

	return nil
}

// loadMatrixFromDatabase loads the decision matrix from the database. A
// fresh install gets the built-in starter matrix so decisions have sensible
// cells from the first event.
func loadMatrixFromDatabase(ctx context.Context, repo domain.Repository, m *matrix.Matrix) error {
	stored, err := repo.ListMatrixEntries(ctx, api.GlobalProjectID)
	if err != nil {
		slog.Warn("failed to list matrix entries from database", "error", err)
		stored = nil
	}

	if len(stored) == 0 {
		slog.Info("no matrix entries in database - loading starter matrix")
		defaults := matrix.DefaultEntries()
		for _, entry := range defaults {
			if err := repo.SaveMatrixEntry(ctx, api.GlobalProjectID, entry); err != nil {
				slog.Warn("failed to seed matrix entry", "key", entry.Key(), "error", err)
			}
		}
		return m.Load(defaults, m.DefaultAction(), m.DefaultMaxFPR())
	}

	return m.Load(stored, m.DefaultAction(), m.DefaultMaxFPR())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Fraud Decision Engine               ║")
	fmt.Println("  ║    Every event, a verdict in ms.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events                  - Ingest an event and get a decision")
	fmt.Println("    GET  /events/{id}             - Get event by ID")
	fmt.Println("    GET  /decisions/{id}          - Get decision by ID")
	fmt.Println("    POST /decisions/{id}/feedback - Record analyst feedback")
	fmt.Println("    POST /replay                  - Replay a stored event")
	fmt.Println("    GET  /rules                   - List all rules")
	fmt.Println("    POST /rules                   - Create a new rule")
	fmt.Println("    POST /rules/reload            - Hot-reload rules from database")
	fmt.Println("    GET  /compositions            - List rule compositions")
	fmt.Println("    GET  /matrix                  - List decision matrix entries")
	fmt.Println("    POST /matrix/import           - Import a decision matrix")
	fmt.Println("    POST /matrix/reload           - Hot-reload matrix from database")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
