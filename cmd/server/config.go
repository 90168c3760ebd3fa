package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/docquery/docquery"
)

// loadConfig builds the core configuration from defaults, an optional
// config file (yaml/json), and DOCQUERY_* environment variables, in that
// precedence order. A .env file in the working directory is honoured.
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

	// Well-known provider env vars fill missing API keys.
	applyProviderKeyFallback(&cfg.Generation)
	applyProviderKeyFallback(&cfg.Embedding)
	applyProviderKeyFallback(&cfg.Vision)

	return cfg, nil
}

func applyProviderKeyFallback(c *docquery.LLMConfig) {
	if c.APIKey != "" {
		return
	}
	switch c.Provider {
	case "openai":
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	case "groq":
		c.APIKey = os.Getenv("GROQ_API_KEY")
	case "gemini":
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	case "openrouter":
		c.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "xai":
		c.APIKey = os.Getenv("XAI_API_KEY")
	}
}
