package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/rechargekit/automation/internal/handlers"
	"github.com/rechargekit/automation/internal/platform/auth"
	"github.com/rechargekit/automation/internal/platform/config"
	"github.com/rechargekit/automation/internal/platform/events"
	pfirestore "github.com/rechargekit/automation/internal/platform/firestore"
	"github.com/rechargekit/automation/internal/platform/observability"
	"github.com/rechargekit/automation/internal/platform/secrets"
	"github.com/rechargekit/automation/internal/poller"
	"github.com/rechargekit/automation/internal/queue"
	firestoreRepo "github.com/rechargekit/automation/internal/repositories/firestore"
	"github.com/rechargekit/automation/internal/services"
	"github.com/rechargekit/automation/internal/stream"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("automation")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx, secretProjectID(), secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		if err := provider.Close(context.Background()); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	cipher, err := firestoreRepo.NewCodeCipher([]byte(cfg.Automation.LicenseCipherKey))
	if err != nil {
		logger.Fatal("failed to initialise license cipher", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(provider, cipher)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	queueClient, err := queue.NewClient(cfg.Queue.BaseURL, cfg.Queue.APIKey, queue.WithTimeout(cfg.Queue.Timeout))
	if err != nil {
		logger.Fatal("failed to initialise queue client", zap.Error(err))
	}

	serviceLog := observability.ServiceLogger(logger.Named("services"))

	evaluator, err := services.NewEligibilityEvaluator(services.EligibilityEvaluatorDeps{
		Config: services.EligibilityConfig{
			EnabledProducts: cfg.Automation.EnabledProducts,
			GroupProducts:   cfg.Automation.GroupProducts,
			GroupSize:       cfg.Automation.GroupSize,
		},
		Licenses: registry.Licenses(),
		Logger:   serviceLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise eligibility evaluator", zap.Error(err))
	}
	identifier := services.NewPlayerIdentifierExtractor(cfg.Automation.PlayerIDMetaKey)

	var pubsubClient *pubsub.Client
	var publisher services.AutomationEventPublisher
	if cfg.Stream.ProjectID != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Stream.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			_ = pubsubClient.Close()
		}()
		if cfg.Stream.EventsTopicID != "" {
			publisher, err = events.NewPubSubAutomationPublisher(pubsubClient.Topic(cfg.Stream.EventsTopicID))
			if err != nil {
				logger.Fatal("failed to initialise event publisher", zap.Error(err))
			}
		}
	}

	automationService, err := services.NewAutomationService(services.AutomationServiceDeps{
		Automation:  registry.Automation(),
		Licenses:    registry.Licenses(),
		Queue:       queueClient,
		Eligibility: evaluator,
		Identifier:  identifier,
		Events:      publisher,
		Logger:      serviceLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise automation service", zap.Error(err))
	}

	reconciler, err := services.NewReconciler(services.ReconcilerDeps{
		Automation: registry.Automation(),
		Events:     publisher,
		Logger:     serviceLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciler", zap.Error(err))
	}

	diagnostics, err := services.NewDiagnosticsEngine(services.DiagnosticsDeps{
		Automation:  registry.Automation(),
		Eligibility: evaluator,
		Identifier:  identifier,
		Queue:       queueClient,
		Logger:      serviceLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise diagnostics", zap.Error(err))
	}

	backgroundCtx, backgroundCancel := context.WithCancel(ctx)
	defer backgroundCancel()
	var backgroundWG sync.WaitGroup

	if pubsubClient != nil && cfg.Stream.SubscriptionID != "" {
		listener, err := stream.NewListener(stream.ListenerDeps{
			Subscription: pubsubClient.Subscription(cfg.Stream.SubscriptionID),
			Reconciler:   reconciler,
			Logger:       observability.ServiceLogger(logger.Named("stream")),
		})
		if err != nil {
			logger.Fatal("failed to initialise stream listener", zap.Error(err))
		}
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			if err := listener.Run(backgroundCtx); err != nil {
				logger.Error("stream listener stopped", zap.Error(err))
			}
		}()
	}

	var sweeper *poller.Sweeper
	if cfg.Poll.Enabled {
		sweeper, err = poller.NewSweeper(poller.SweeperDeps{
			Automation: registry.Automation(),
			Queue:      queueClient,
			Reconciler: reconciler,
			Schedule:   cfg.Poll.Schedule,
			Logger:     observability.ServiceLogger(logger.Named("poller")),
		})
		if err != nil {
			logger.Fatal("failed to initialise poll sweeper", zap.Error(err))
		}
		if err := sweeper.Start(); err != nil {
			logger.Fatal("failed to start poll sweeper", zap.Error(err))
		}
	}

	hmacValidator := auth.NewHMACValidator(cfg.Webhooks.SigningSecret, auth.NewInMemoryNonceStore(),
		auth.WithHMACHeaders(cfg.HMAC.SignatureHeader, cfg.HMAC.TimestampHeader, cfg.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.HMAC.NonceTTL),
	)

	automationHandlers := handlers.NewAutomationHandlers(automationService, diagnostics)
	webhookHandlers := handlers.NewWebhookHandlers(reconciler)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			client, err := provider.Client(ctx)
			if err != nil {
				return err
			}
			_, err = client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}),
		handlers.WithReadinessCheck("queue", func(ctx context.Context) error {
			_, err := queueClient.PendingItems(ctx)
			return err
		}),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(automationHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(hmacValidator.RequireHMAC()),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("rechargekit automation listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	if sweeper != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sweeper.Stop(stopCtx); err != nil {
			logger.Warn("poll sweeper stop error", zap.Error(err))
		}
		stopCancel()
	}
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// secretProjectID resolves the project used for Secret Manager lookups before
// configuration is loaded.
func secretProjectID() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "AUTOMATION_FIRESTORE_PROJECT_ID"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}
