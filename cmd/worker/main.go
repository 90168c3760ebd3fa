// The worker binary runs the ingestion pool against the shared database,
// cache, and vector index. It is a separate process from the server; the
// on-disk index pair is the only coordination channel between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/docquery/docquery"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml or json)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := docquery.New(ctx, cfg)
	if err != nil {
		slog.Error("creating app", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	slog.Info("worker pool starting", "workers", cfg.WorkerCount)
	app.Worker.Run(ctx)
	slog.Info("worker pool stopped")
}

// loadConfig mirrors the server's loader: defaults, optional file,
// DOCQUERY_* env overrides.
func loadConfig(path string) (docquery.Config, error) {
	_ = godotenv.Load()

	cfg := docquery.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("DOCQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Generation.APIKey == "" && cfg.Generation.Provider == "openai" {
		cfg.Generation.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, nil
}
