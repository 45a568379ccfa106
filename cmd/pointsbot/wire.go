package main

import (
	"context"
	"fmt"

	"github.com/susu3304/pointsbot/internal/config"
	"github.com/susu3304/pointsbot/internal/db"
	"github.com/susu3304/pointsbot/internal/llm"
	"github.com/susu3304/pointsbot/internal/remote"
	"github.com/susu3304/pointsbot/internal/sandbox"
	"go.uber.org/zap"
)

// openStore returns the configured revision store. The memory backend
// yields a nil store, which keeps the ledger ephemeral.
func openStore(ctx context.Context, cfg *config.Config) (remote.Store, func(), error) {
	noop := func() {}
	switch cfg.LedgerBackend {
	case config.BackendGitHub:
		store, err := remote.NewGitHub(remote.GitHubConfig{
			BaseURL: cfg.GitHubAPIURL,
			Repo:    cfg.GitHubRepo,
			Path:    cfg.GitHubFile,
			Branch:  cfg.GitHubBranch,
			Token:   cfg.GitHubToken,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.BackendPostgres:
		database, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		if err := database.RunMigrations(ctx); err != nil {
			database.Close()
			return nil, noop, fmt.Errorf("failed to run migrations: %w", err)
		}
		return database.Document(cfg.LedgerDocument), database.Close, nil
	}
	return nil, noop, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (llm.Backend, error) {
	if cfg.LLMProvider == config.ProviderOpenAI {
		backend, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIURL,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
	backend, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func newExecutor(cfg *config.Config, logger *zap.Logger) *sandbox.Executor {
	var engine sandbox.Engine = sandbox.NewLua()
	if cfg.SandboxEngine == config.EngineGo {
		engine = sandbox.NewGo()
	}
	return sandbox.New(engine, sandbox.Config{
		Timeout:       cfg.SandboxTimeout,
		MaxConcurrent: cfg.SandboxMaxConcurrent,
		Logger:        logger,
	})
}
