// Package gateway turns a user question into exactly one display-safe assistant reply.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bibliobot/internal/domain"
)

const (
	// FailureMessage replaces the reply on any transport, status or decode failure.
	FailureMessage = "❌ Lo siento, tuve un problema conectándome. Por favor intenta de nuevo en un momento."

	// NoAnswerMessage replaces a successful reply that carried no text.
	NoAnswerMessage = "Lo siento, no pude generar una respuesta. ¿Podrías reformular tu pregunta?"

	DefaultMaxTokens = 1000
	DefaultTimeout   = 25 * time.Second
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Completer issues a single completion call.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionReply, error)
}

// Gateway builds the prompt, calls the completer once and resolves to assistant text.
type Gateway struct {
	completer Completer
	model     string
	maxTokens int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxTokens overrides DefaultMaxTokens. Non-positive values are ignored.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithTimeout bounds each Ask call, rate limit wait included. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRateLimit caps outbound calls across all sessions. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger for failed calls. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a Gateway that asks model through c with the default token cap and timeout.
func New(c Completer, model string, opts ...Option) (*Gateway, error) {
	if c == nil {
		return nil, errors.New("gateway: completer must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gateway: model must not be empty")
	}
	g := &Gateway{
		completer: c,
		model:     model,
		maxTokens: DefaultMaxTokens,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Timeout is the upper bound of a single Ask call.
func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// Ask never fails: errors are logged and replaced by FailureMessage.
func (g *Gateway) Ask(ctx context.Context, userText string, catalog []domain.CatalogEntry) string {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt, err := BuildPrompt(userText, catalog)
	if err != nil {
		g.logger.Error("completion prompt failed", "err", err)
		return FailureMessage
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.logger.Error("completion rate limit wait failed", "err", err)
			return FailureMessage
		}
	}

	start := time.Now()
	reply, err := g.completer.Complete(ctx, domain.CompletionRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages:  []domain.ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		status, _ := upstreamStatusCode(err)
		g.logger.Error("completion call failed",
			"err", err,
			"status", status,
			"model", g.model,
			"elapsed", time.Since(start),
		)
		return FailureMessage
	}

	g.logger.Debug("completion call succeeded",
		"model", g.model,
		"blocks", len(reply.Content),
		"elapsed", time.Since(start),
	)
	return ExtractText(reply.Content)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
