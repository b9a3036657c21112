package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/chatctx/internal/config"
	"github.com/haasonsaas/chatctx/internal/contextstore"
	"github.com/haasonsaas/chatctx/internal/llm"
	"github.com/haasonsaas/chatctx/internal/manager"
	"github.com/haasonsaas/chatctx/internal/observability"
	"github.com/haasonsaas/chatctx/internal/persistence"
	"github.com/haasonsaas/chatctx/pkg/models"
)

// provider is what a configured LLM backend must offer: replies for the
// foreground conversation and summarization for background folds.
type provider interface {
	llm.ChatModel
	llm.Summarizer
	Name() string
}

// runChat wires the full pipeline and runs the interactive session loop.
func runChat(ctx context.Context, configPath, userID, chatID string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	prov, err := buildProvider(cfg, metrics)
	if err != nil {
		return err
	}

	cache := contextstore.New(contextstore.Options{
		Capacity: cfg.Cache.MaxEntries,
		TTL:      cfg.Cache.TTL,
		OnEvict: func(userID, chatID string) {
			metrics.CacheEvictions.Inc()
		},
	})

	mgr := manager.New(manager.Options{
		Cache:      cache,
		Store:      store,
		Summarizer: prov,
		Config:     cfg.Summarizer,
		Logger:     logger,
		Metrics:    metrics,
	})

	// Periodic stats heartbeat; visible at debug level.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		stats := mgr.Stats()
		logger.Debug(ctx, "cache stats",
			"entries", stats.Entries,
			"capacity", stats.Capacity,
			"pending_summarizations", stats.PendingSummarizations)
	}); err != nil {
		return fmt.Errorf("failed to schedule stats job: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
		go func() {
			logger.Info(ctx, "metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.AddUserID(ctx, userID)
	ctx = observability.AddChatID(ctx, chatID)

	logger.Info(ctx, "chat session started",
		"provider", prov.Name(), "model", cfg.LLM.ReplyModel, "database", cfg.Database.Driver)
	fmt.Printf("chatctx %s | provider=%s | /quit to exit\n", version, prov.Name())

	err = sessionLoop(ctx, mgr, store, prov, logger, userID, chatID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if closeErr := mgr.Close(shutdownCtx); closeErr != nil {
		logger.Warn(ctx, "summarization drain timed out", "error", closeErr)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

// sessionLoop reads user input and runs one exchange per line.
func sessionLoop(ctx context.Context, mgr *manager.Manager, store persistence.Store, prov provider, logger *observability.Logger, userID, chatID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch input {
		case "/quit", "/exit":
			return nil
		case "/stats":
			stats := mgr.Stats()
			fmt.Printf("cache entries: %d/%d, pending summarizations: %d\n",
				stats.Entries, stats.Capacity, stats.PendingSummarizations)
			continue
		case "/summary":
			cc, _ := mgr.GetOrCreate(ctx, userID, chatID)
			if s := cc.Summary(); s != "" {
				fmt.Printf("summary (through turn %d):\n%s\n", cc.LastSummaryIndex(), s)
			} else {
				fmt.Println("no summary yet")
			}
			continue
		case "/reset":
			if err := mgr.Delete(ctx, userID, chatID); err != nil {
				fmt.Printf("reset failed: %v\n", err)
			} else {
				fmt.Println("chat context deleted")
			}
			continue
		}

		if err := runExchange(ctx, mgr, store, prov, userID, chatID, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "exchange failed", "error", err)
			fmt.Printf("error: %v\n", err)
		}
	}
}

// runExchange sends one user message through the provider and records both
// sides of the exchange.
func runExchange(ctx context.Context, mgr *manager.Manager, store persistence.Store, prov provider, userID, chatID, input string) error {
	cc, err := mgr.GetOrCreate(ctx, userID, chatID)
	if err != nil {
		return err
	}

	summary, turns := cc.PromptView()
	reply, err := prov.Reply(ctx, llm.Prompt{
		Summary: summary,
		Turns:   turns,
		Input:   input,
	})
	if err != nil {
		return err
	}
	fmt.Println(reply.Text)

	userTurn := &models.Turn{
		Role:      models.RoleHuman,
		Content:   input,
		CreatedAt: time.Now().UTC(),
	}
	aiTurn := &models.Turn{
		Role:      models.RoleAI,
		Content:   reply.Text,
		Tokens:    reply.Usage.CompletionTokens,
		CreatedAt: time.Now().UTC(),
	}

	// Update assigns message orders; persist with those orders.
	if _, err := mgr.Update(ctx, userID, chatID, userTurn, aiTurn); err != nil {
		return err
	}
	return store.AppendTurns(ctx, []*models.Turn{userTurn, aiTurn})
}

// loadConfig reads the file at path, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStore builds the persistence backend selected in the config.
func openStore(cfg *config.Config) (persistence.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "sqlite":
		return persistence.NewSQLiteStore(cfg.Database.Path)
	case "postgres":
		return persistence.NewPostgresStore(cfg.Database.URL, &persistence.PostgresConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectTimeout:  10 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildProvider constructs the configured LLM client, pulling the API key
// from the environment when the config leaves it empty.
func buildProvider(cfg *config.Config, metrics *observability.Metrics) (provider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.LLM.BaseURL,
			ReplyModel:   cfg.LLM.ReplyModel,
			SummaryModel: cfg.LLM.SummaryModel,
			MaxTokens:    cfg.LLM.MaxTokens,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
			Metrics:      metrics,
		})
	case "openai":
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.LLM.BaseURL,
			ReplyModel:   cfg.LLM.ReplyModel,
			SummaryModel: cfg.LLM.SummaryModel,
			MaxTokens:    cfg.LLM.MaxTokens,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
			Metrics:      metrics,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// runInit writes a starter configuration file with defaults filled in.
func runInit(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
