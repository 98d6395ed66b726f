package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/listingiq/listingiq/internal/config"
	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/prompt"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "listingiq",
		Short:         "Asynchronous property analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(func() *config.Config { return cfg }),
		newAnalyzeCmd(func() *config.Config { return cfg }),
	)
	return root
}

// newLogger builds the process logger from the configured level and format.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func llmSettings(cfg *config.Config) llm.Settings {
	return llm.Settings{
		Provider:      cfg.LLMProvider,
		Environment:   cfg.Environment,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		OllamaURL:     cfg.OllamaURL,
		OllamaModel:   cfg.OllamaModel,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
	}
}

// newGateway builds the configured backend and wraps it in a Gateway.
func newGateway(ctx context.Context, cfg *config.Config) (*llm.Gateway, llm.Backend, error) {
	backend, err := llm.NewBackend(ctx, llmSettings(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("llm backend: %w", err)
	}
	opts := []llm.Option{
		llm.WithSystemPrompt(prompt.SystemPrompt),
		llm.WithEnvironment(cfg.Environment),
	}
	if cfg.BreakerEnabled {
		opts = append(opts, llm.WithBreaker(5, 30*time.Second))
	}
	gw := llm.NewGateway(backend, cfg.LLMTimeout, opts...)
	info := gw.Info()
	slog.Info("llm backend ready", "provider", info.Provider, "model", info.Model, "breaker", cfg.BreakerEnabled)
	return gw, backend, nil
}
