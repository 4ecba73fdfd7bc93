// Package completion selects the completion provider named in the configuration.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bibliobot/internal/config"
	"bibliobot/internal/gateway"
	"bibliobot/internal/integrations/anthropic"
	"bibliobot/internal/integrations/openai"
)

type TokenGetter interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// StaticToken serves one API key for every parameter name. It stands in for
// Parameter Store when running outside AWS.
type StaticToken string

func (s StaticToken) GetToken(_ context.Context, _ string) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", errors.New("completion: api key is empty")
	}
	return token, nil
}

func NewCompleter(cfg config.Config, tokens TokenGetter) (gateway.Completer, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		var opts []anthropic.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		c, err := anthropic.NewClient(tokens, cfg.ParamPrefix, opts...)
		if err != nil {
			return nil, fmt.Errorf("completion: %w", err)
		}
		return c, nil
	case config.ProviderOpenAI:
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		c, err := openai.NewClient(tokens, cfg.ParamPrefix, opts...)
		if err != nil {
			return nil, fmt.Errorf("completion: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.Provider)
	}
}

// NewGateway builds the gateway with the configured model, token cap, timeout and call budget.
func NewGateway(cfg config.Config, c gateway.Completer, logger *slog.Logger) (*gateway.Gateway, error) {
	return gateway.New(c, cfg.CompletionModel(),
		gateway.WithMaxTokens(cfg.MaxTokens),
		gateway.WithTimeout(cfg.Timeout),
		gateway.WithRateLimit(cfg.RPS, cfg.Burst),
		gateway.WithLogger(logger),
	)
}
