package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"bibliobot/handler"
	"bibliobot/internal/catalog"
	"bibliobot/internal/config"
	"bibliobot/internal/integrations/completion"
	"bibliobot/internal/integrations/paramstore"
	"bibliobot/internal/repository"
	"bibliobot/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.ValidateLambda(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	stateClient, err := repository.New(dynamoClient, cfg.StateTable)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	var source catalog.Source = catalog.NewMemorySource(catalog.Seed())
	if cfg.CatalogTable != "" {
		source, err = catalog.NewDynamoSource(dynamoClient, cfg.CatalogTable)
		if err != nil {
			logger.Error("failed to create catalog source", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("CATALOG_TABLE not set, serving the built-in sample catalog")
	}
	cachedCatalog, err := catalog.NewCachedSource(source, cfg.CatalogCacheTTL)
	if err != nil {
		logger.Error("failed to create catalog cache", "err", err)
		os.Exit(1)
	}

	completer, err := completion.NewCompleter(cfg, ssmClient)
	if err != nil {
		logger.Error("failed to create completion client", "err", err)
		os.Exit(1)
	}
	gw, err := completion.NewGateway(cfg, completer, logger)
	if err != nil {
		logger.Error("failed to create completion gateway", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(stateClient, gw, cachedCatalog, cfg.MaxMessageLength, logger)
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
