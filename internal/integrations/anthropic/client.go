package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"bibliobot/internal/domain"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// messagesRequest is the request body of the Messages endpoint.
type messagesRequest struct {
	Model     string               `json:"model"`
	MaxTokens int                  `json:"max_tokens"`
	Messages  []domain.ChatMessage `json:"messages"`
}

// messagesResponse is the subset of the Messages response we read.
type messagesResponse struct {
	Content []domain.ContentBlock `json:"content"`
}

type TokenGetter interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Messages API with a key held server-side.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenGetter
	paramPrefix string

	keyMu  sync.Mutex
	apiKey string
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

// NewClient creates a Client whose API key is read from "<paramPrefix>/anthropic-token"
// on first use.
func NewClient(tokens TokenGetter, paramPrefix string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("anthropic: token getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("anthropic: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		tokens:      tokens,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey caches the key after the first successful load; failures are retried
// on the next call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.tokens.GetToken(ctx, c.paramPrefix+"/anthropic-token")
	if err != nil {
		return "", fmt.Errorf("anthropic: load api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func messagesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

// Complete issues exactly one Messages call.
func (c *Client) Complete(ctx context.Context, in domain.CompletionRequest) (domain.CompletionReply, error) {
	if in.Model == "" {
		return domain.CompletionReply{}, errors.New("anthropic: model must not be empty")
	}
	if in.MaxTokens <= 0 {
		return domain.CompletionReply{}, errors.New("anthropic: max tokens must be positive")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.CompletionReply{}, err
	}

	body, err := json.Marshal(messagesRequest{
		Model:     in.Model,
		MaxTokens: in.MaxTokens,
		Messages:  in.Messages,
	})
	if err != nil {
		return domain.CompletionReply{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	url := messagesURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.CompletionReply{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.CompletionReply{}, fmt.Errorf("anthropic: request failed: %w", err)
	}

	var payload messagesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.CompletionReply{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return domain.CompletionReply{Content: payload.Content}, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
