package completion

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bibliobot/internal/config"
	"bibliobot/internal/domain"
	"bibliobot/internal/gateway"
	"bibliobot/internal/integrations/anthropic"
	"bibliobot/internal/integrations/openai"
)

func TestStaticToken(t *testing.T) {
	got, err := StaticToken(" sk-test ").GetToken(context.Background(), "/any/name")
	require.NoError(t, err)
	require.Equal(t, "sk-test", got)

	_, err = StaticToken("").GetToken(context.Background(), "/any/name")
	require.Error(t, err)
}

func TestNewCompleter_SelectsProvider(t *testing.T) {
	c, err := NewCompleter(config.Config{Provider: config.ProviderAnthropic, ParamPrefix: "/bibliobot"}, StaticToken("k"))
	require.NoError(t, err)
	require.IsType(t, &anthropic.Client{}, c)

	c, err = NewCompleter(config.Config{Provider: config.ProviderOpenAI, ParamPrefix: "/bibliobot"}, StaticToken("k"))
	require.NoError(t, err)
	require.IsType(t, &openai.Client{}, c)
}

func TestNewCompleter_Errors(t *testing.T) {
	_, err := NewCompleter(config.Config{Provider: "gemini", ParamPrefix: "/bibliobot"}, StaticToken("k"))
	require.ErrorContains(t, err, "unknown provider")

	_, err = NewCompleter(config.Config{Provider: config.ProviderAnthropic}, StaticToken("k"))
	require.Error(t, err)
}

func TestNewGateway_UsesConfiguredEndpointAndModel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "k", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"¡Claro!"}]}`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		Provider:    config.ProviderAnthropic,
		ParamPrefix: "/bibliobot",
		BaseURL:     srv.URL,
		MaxTokens:   256,
		Timeout:     5 * time.Second,
	}
	c, err := NewCompleter(cfg, StaticToken("k"))
	require.NoError(t, err)
	g, err := NewGateway(cfg, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	answer := g.Ask(context.Background(), "hola", []domain.CatalogEntry{{Title: "Rayuela"}})
	require.Equal(t, "¡Claro!", answer)
	require.Equal(t, 5*time.Second, g.Timeout())
	require.Equal(t, "claude-sonnet-4-20250514", got["model"])
	require.EqualValues(t, 256, got["max_tokens"])
	require.NotEqual(t, gateway.FailureMessage, answer)
}
