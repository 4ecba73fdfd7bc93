// Command devserver runs the chat API over plain HTTP with in-memory state and
// the sample catalog.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bibliobot/handler"
	"bibliobot/internal/catalog"
	"bibliobot/internal/config"
	"bibliobot/internal/integrations/completion"
	"bibliobot/internal/repository"
	"bibliobot/internal/usecase"
)

const localParamPrefix = "/bibliobot-local"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded, using process environment only", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if cfg.ParamPrefix == "" {
		cfg.ParamPrefix = localParamPrefix
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.APIKey == "" {
		logger.Warn("COMPLETION_API_KEY not set, every reply will be the connection failure message")
	}
	completer, err := completion.NewCompleter(cfg, completion.StaticToken(cfg.APIKey))
	if err != nil {
		logger.Error("failed to create completion client", "err", err)
		os.Exit(1)
	}
	gw, err := completion.NewGateway(cfg, completer, logger)
	if err != nil {
		logger.Error("failed to create completion gateway", "err", err)
		os.Exit(1)
	}

	chatService, err := usecase.NewChatService(
		repository.NewMemoryStore(),
		gw,
		catalog.NewMemorySource(catalog.Seed()),
		cfg.MaxMessageLength,
		logger,
	)
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.DevAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("dev server listening", "addr", cfg.DevAddr, "provider", cfg.Provider, "model", cfg.CompletionModel())
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
