// Replikit Sync Engine
//
// Batches locally-changed documents and replicates them to the cloud
// endpoint with bounded concurrency and automatic retry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.replikit.dev/internal/api"
	"go.replikit.dev/internal/auth"
	"go.replikit.dev/internal/batch"
	"go.replikit.dev/internal/clock"
	"go.replikit.dev/internal/common/lifecycle"
	"go.replikit.dev/internal/config"
	"go.replikit.dev/internal/dispatch"
	"go.replikit.dev/internal/executor"
	sqsingest "go.replikit.dev/internal/ingest/sqs"
	"go.replikit.dev/internal/ratelimit"
	"go.replikit.dev/internal/retry"
	"go.replikit.dev/internal/transport"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssecretsmanager "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	vaultapi "github.com/hashicorp/vault/api"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// document is the unit batched by the dispatch core. Non-goals exclude a
// full document model; this repo only needs enough shape to route and
// upload a batch as one outbound operation.
type document struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("REPLIKIT_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	slog.Info("starting replikit sync engine",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lifecycleManager := lifecycle.NewManager()

	scheduledExecutor := executor.NewScheduled(cfg.ScheduledWorkers)
	requestPool, err := executor.NewRequestPool(cfg.RequestWorkers)
	if err != nil {
		slog.Error("failed to start request pool", "error", err)
		os.Exit(1)
	}
	lifecycleManager.RegisterFinalShutdown("request-pool", func(ctx context.Context) error {
		requestPool.Stop()
		return nil
	})

	transportCfg := transport.DefaultHTTPConfig()
	transportCfg.Timeout = cfg.Transport.Timeout
	transportCfg.CircuitBreakerEnabled = cfg.Transport.CircuitBreakerEnabled
	transportCfg.CircuitBreakerName = "replicator-upload"
	transportCfg.CircuitBreakerRatio = cfg.Transport.CircuitBreakerRatio
	transportCfg.CircuitBreakerMinRequests = cfg.Transport.CircuitBreakerMinRequests
	transportCfg.SuppressNotFoundLogging = cfg.Transport.SuppressNotFoundLogging
	httpTransport := transport.NewHTTPTransport(transportCfg)
	lifecycleManager.RegisterFinalShutdown("http-transport", func(ctx context.Context) error {
		httpTransport.Close()
		return nil
	})

	limiter := ratelimit.NewHostLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	authenticator, err := buildAuthenticator(ctx, cfg.Auth)
	if err != nil {
		slog.Error("failed to configure authenticator", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New[document](dispatch.Config{
		UploadURL:         "https://sync.example.test/v1/documents",
		Transport:         httpTransport,
		RequestExecutor:   requestPool,
		ScheduledExecutor: scheduledExecutor,
		Limiter:           limiter,
		Authenticator:     authenticator,
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay,
	})

	docBatcher, err := batch.New[document]("documents", scheduledExecutor, clock.Real{}, cfg.Batcher.Capacity, cfg.Batcher.Delay, dispatcher)
	if err != nil {
		slog.Error("failed to construct batcher", "error", err)
		os.Exit(1)
	}
	lifecycleManager.RegisterDispatchShutdown("document-batcher", func(ctx context.Context) error {
		docBatcher.FlushAll()
		return nil
	})

	if cfg.Ingest.Source == "sqs" && cfg.Ingest.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
		sqsClient := awssqs.NewFromConfig(awsCfg)

		consumer := sqsingest.New[document](sqsClient, sqsingest.Config{
			QueueURL:          cfg.Ingest.SQSQueueURL,
			WaitTimeSeconds:   cfg.Ingest.SQSWaitTimeSeconds,
			VisibilityTimeout: cfg.Ingest.SQSVisibilityTimeout,
		}, docBatcher, sqsingest.JSONDecoder[document]())

		go consumer.Run(ctx)
		lifecycleManager.RegisterIngestionShutdown("sqs-consumer", consumer.Stop)
	}

	adminServer := api.New(api.Config{
		ListenAddr:        cfg.AdminAPI.ListenAddr,
		DebugUsername:     cfg.AdminAPI.DebugUsername,
		DebugPasswordHash: cfg.AdminAPI.DebugPasswordHash,
	}, &statsAdapter{batcher: docBatcher}, &actionsAdapter{batcher: docBatcher}, nil)

	go func() {
		if err := adminServer.ListenAndServe(); err != nil {
			slog.Error("admin server stopped", "error", err)
		}
	}()
	lifecycleManager.RegisterAdminHTTPShutdown("admin-api", adminServer.Shutdown)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	slog.Info("shutdown signal received")
	if err := lifecycleManager.Execute(); err != nil {
		slog.Error("graceful shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func buildAuthenticator(ctx context.Context, cfg config.AuthConfig) (retry.Authenticator, error) {
	if cfg.Provider == "" {
		return nil, nil
	}

	provider, err := buildSecretProvider(ctx, cfg.Provider)
	if err != nil {
		return nil, err
	}

	return auth.NewJWTAuthenticator(provider, cfg.KeyID, cfg.Issuer, cfg.Subject, cfg.TTL), nil
}

func buildSecretProvider(ctx context.Context, provider string) (auth.SecretProvider, error) {
	switch provider {
	case "vault":
		client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("vault client: %w", err)
		}
		return auth.NewVaultSecretProvider(client, "secret", "value"), nil

	case "aws":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return auth.NewAWSSecretProvider(awssecretsmanager.NewFromConfig(awsCfg)), nil

	case "gcp":
		client, err := secretmanager.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcp secret manager client: %w", err)
		}
		return auth.NewGCPSecretProvider(client, os.Getenv("GOOGLE_CLOUD_PROJECT")), nil

	default:
		return nil, fmt.Errorf("unknown auth provider %q", provider)
	}
}

// statsAdapter exposes Batcher introspection to the admin API.
type statsAdapter struct {
	batcher *batch.Batcher[document]
}

func (s *statsAdapter) BatcherStats() any {
	stats := s.batcher.Stats()
	return map[string]any{
		"queueDepth":      stats.QueueDepth,
		"scheduled":       stats.Scheduled,
		"scheduledDelay":  stats.ScheduledDelay.String(),
		"delivering":      stats.Delivering,
		"lastProcessedAt": stats.LastProcessedAt,
	}
}

func (s *statsAdapter) InFlightRequestStats() any {
	return map[string]any{"inFlight": "see /metrics replikit_retry_in_flight"}
}

type actionsAdapter struct {
	batcher *batch.Batcher[document]
}

func (a *actionsAdapter) FlushAll() { a.batcher.FlushAll() }
func (a *actionsAdapter) ClearAll() { a.batcher.Clear() }
