package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"medigate/internal/adapter/gateway"
	"medigate/internal/adapter/history"
	"medigate/internal/adapter/llm"
	"medigate/internal/adapter/mcp"
	"medigate/internal/domain"
	"medigate/internal/infra/config"
	"medigate/internal/infra/logger"
	"medigate/internal/infra/tracer"
	"medigate/internal/usecase/orchestrator"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Backends and protocol clients
	backends := make([]domain.Backend, 0, len(cfg.Backends))
	clients := make(map[string]orchestrator.BackendClient, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		b := backendFromConfig(bc)
		backends = append(backends, b)
		clients[b.Name] = mcp.NewClient(b, log)
	}
	if len(backends) == 0 {
		log.Warn("no backends configured; queries will fail until backends are added")
	}

	registry := orchestrator.NewRegistry(backends)
	monitor := orchestrator.NewMonitor(registry, cfg.Health, log)

	// 4. Model provider behind a circuit breaker
	provider := llm.NewCircuitBreakerProvider(
		llm.NewGeminiProvider(cfg.LLM.Provider, log), cfg.LLM.Breaker, log)

	// 5. Orchestrator
	prompts := orchestrator.NewPromptBuilder(cfg.LLM, log)
	orch := orchestrator.New(registry, clients, provider, prompts, log)

	// 6. Query history
	var store gateway.HistoryStore
	if cfg.History.Enabled {
		if dir := filepath.Dir(cfg.History.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("history dir: %w", err)
			}
		}
		sqlStore, err := history.NewSQLiteStore(cfg.History.DBPath)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	// 7. Gateway
	handler := gateway.NewHandler(gateway.HandlerDeps{
		Name:        "medigate",
		Description: "Gateway that routes chat queries across MCP backends",
		Orch:        orch,
		Monitor:     monitor,
		History:     store,
		MaxQueryLen: cfg.Gateway.MaxQueryLen,
		Logger:      log,
	})
	srv := gateway.NewServer(handler, cfg.Gateway, log)

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Health monitor
	if cfg.Health.Enabled {
		if err := monitor.Start(); err != nil {
			return fmt.Errorf("health monitor: %w", err)
		}
		defer monitor.Stop()
	}

	log.Info("medigate starting",
		"addr", cfg.Gateway.Addr,
		"backends", len(backends),
		"model", cfg.LLM.Provider.Model,
	)

	// Start blocks until the context is cancelled or the listener fails.
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	log.Info("medigate stopped")
	return nil
}

// backendFromConfig maps a configured backend into its domain form, lifting
// the per-capability keyword hints into the lookup maps the orchestrator uses.
func backendFromConfig(bc config.BackendConfig) domain.Backend {
	b := domain.Backend{
		Name:          bc.Name,
		Description:   bc.Description,
		URL:           bc.URL,
		Transport:     bc.Transport,
		Enabled:       bc.Enabled,
		Timeout:       bc.Timeout,
		RetryAttempts: bc.RetryAttempts,
		HealthPath:    bc.HealthPath,
		BearerToken:   bc.BearerToken,
	}
	if len(bc.Tools) > 0 {
		b.ToolKeywords = make(map[string][]string, len(bc.Tools))
		for name, c := range bc.Tools {
			b.DeclaredTools = append(b.DeclaredTools, name)
			if len(c.Keywords) > 0 {
				b.ToolKeywords[name] = c.Keywords
			}
		}
		sort.Strings(b.DeclaredTools)
	}
	if len(bc.Resources) > 0 {
		b.ResourceKeywords = make(map[string][]string, len(bc.Resources))
		for uri, c := range bc.Resources {
			b.DeclaredResources = append(b.DeclaredResources, uri)
			if len(c.Keywords) > 0 {
				b.ResourceKeywords[uri] = c.Keywords
			}
		}
		sort.Strings(b.DeclaredResources)
	}
	return b
}
