// Package config reads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"

	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultOpenAIModel    = "gpt-4o-mini"

	// MaxLambdaTimeout keeps the completion call under the 29s API Gateway
	// integration limit with room for the catalog read and the turn writes.
	MaxLambdaTimeout = 27 * time.Second
)

type Config struct {
	// AWS resources
	StateTable   string `env:"STATE_TABLE"`
	CatalogTable string `env:"CATALOG_TABLE"`
	ParamPrefix  string `env:"PARAM_PREFIX"`

	// Completion service
	Provider  Provider      `env:"COMPLETION_PROVIDER" envDefault:"anthropic"`
	Model     string        `env:"COMPLETION_MODEL"`
	BaseURL   string        `env:"COMPLETION_BASE_URL"`
	APIKey    string        `env:"COMPLETION_API_KEY"`
	MaxTokens int           `env:"COMPLETION_MAX_TOKENS" envDefault:"1000"`
	Timeout   time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"25s"`
	RPS       float64       `env:"COMPLETION_RPS" envDefault:"0"`
	Burst     int           `env:"COMPLETION_BURST" envDefault:"1"`

	// Chat
	CatalogCacheTTL  time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"5m"`
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" envDefault:"1000"`

	// Local dev server
	DevAddr string `env:"DEV_ADDR" envDefault:":8080"`

	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
}

// Load parses the environment and checks values that every entry point needs.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.Provider = Provider(strings.ToLower(strings.TrimSpace(string(cfg.Provider))))
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")

	switch cfg.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("config: unknown COMPLETION_PROVIDER %q", cfg.Provider)
	}
	if cfg.MaxTokens <= 0 {
		return Config{}, errors.New("config: COMPLETION_MAX_TOKENS must be positive")
	}
	if cfg.Timeout <= 0 {
		return Config{}, errors.New("config: COMPLETION_TIMEOUT must be positive")
	}
	if cfg.RPS < 0 || cfg.Burst < 0 {
		return Config{}, errors.New("config: COMPLETION_RPS and COMPLETION_BURST must not be negative")
	}
	if cfg.MaxMessageLength <= 0 {
		return Config{}, errors.New("config: MAX_MESSAGE_LENGTH must be positive")
	}
	return cfg, nil
}

// ValidateLambda checks the settings only the Lambda entry point requires.
func (c Config) ValidateLambda() error {
	var missing []string
	if c.StateTable == "" {
		missing = append(missing, "STATE_TABLE")
	}
	if c.ParamPrefix == "" {
		missing = append(missing, "PARAM_PREFIX")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}
	if c.Timeout > MaxLambdaTimeout {
		return fmt.Errorf("config: COMPLETION_TIMEOUT %s exceeds %s allowed behind API Gateway", c.Timeout, MaxLambdaTimeout)
	}
	return nil
}

// CompletionModel returns the configured model or the provider default.
func (c Config) CompletionModel() string {
	if m := strings.TrimSpace(c.Model); m != "" {
		return m
	}
	if c.Provider == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}
