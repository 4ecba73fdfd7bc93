package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"bibliobot/internal/domain"
)

type TokenGetter interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// Client adapts an OpenAI-compatible chat completion endpoint to the
// content-block reply shape. Every choice becomes one text block.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenGetter
	paramPrefix string

	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API key is read from "<paramPrefix>/open-ai-token"
// on first use.
func NewClient(tokens TokenGetter, paramPrefix string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		tokens:      tokens,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.tokens.GetToken(ctx, c.paramPrefix+"/open-ai-token")
	if err != nil {
		return nil, fmt.Errorf("openai: load api key: %w", err)
	}
	cfg := goopenai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

// Complete issues exactly one chat completion call.
func (c *Client) Complete(ctx context.Context, in domain.CompletionRequest) (domain.CompletionReply, error) {
	if in.Model == "" {
		return domain.CompletionReply{}, errors.New("openai: model must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return domain.CompletionReply{}, err
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(in.Messages))
	for _, m := range in.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     in.Model,
		MaxTokens: in.MaxTokens,
		Messages:  msgs,
	})
	if err != nil {
		if status, ok := statusCode(err); ok {
			err = &HTTPStatusError{StatusCode: status, Err: err}
		}
		return domain.CompletionReply{}, fmt.Errorf("openai: request failed: %w", err)
	}

	blocks := make([]domain.ContentBlock, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		blocks = append(blocks, domain.ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	return domain.CompletionReply{Content: blocks}, nil
}

// HTTPStatusError marks a failure that carried an upstream HTTP status.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func statusCode(err error) (int, bool) {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
