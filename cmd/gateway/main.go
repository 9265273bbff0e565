// Package main is the entry point for the LLM gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/app"
	"github.com/visiquate/cco-sub021/internal/logging"
	"github.com/visiquate/cco-sub021/internal/providers"
	"github.com/visiquate/cco-sub021/internal/providers/anthropic"
	"github.com/visiquate/cco-sub021/internal/providers/ollama"
	"github.com/visiquate/cco-sub021/internal/providers/openai"
	"github.com/visiquate/cco-sub021/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	configPath := flag.String("config", "", "Path to gateway.yaml (default: search . and ./config)")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	res, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := res.Config

	slog.SetDefault(logging.New(cfg.Log))

	slog.Info("starting cco gateway",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
		"config", res.Path,
	)

	factory := providers.NewFactory(
		anthropic.Registration,
		openai.Registration,
		openai.AzureRegistration,
		openai.DeepSeekRegistration,
		ollama.Registration,
	)

	application, err := app.New(context.Background(), app.Config{
		AppConfig: res,
		Factory:   factory,
	})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("application shutdown error", "error", err)
		}
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		slog.Error("application failed", "error", err)
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}

	// Start returns as soon as the listener closes; wait for the persister
	// to drain before exiting.
	<-shutdownDone
}
