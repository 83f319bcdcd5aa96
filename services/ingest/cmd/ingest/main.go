package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"repochat/internal/credential"
	"repochat/internal/servicetoken"
	"repochat/internal/util"
	"repochat/pkg/ai"
	"repochat/pkg/ingest"
	"repochat/pkg/queue"
	"repochat/pkg/sourcehost"
	"repochat/pkg/storage"
	"repochat/pkg/store"
	"repochat/services/ingest/internal/app"
	"repochat/services/ingest/internal/config"
	"repochat/services/ingest/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("ingest", cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	sealer, err := credential.NewSealerFromBase64(cfg.CredentialKey)
	if err != nil {
		log.Fatalf("failed to init credential sealer: %v", err)
	}
	dataStore, err := store.NewGormStore(cfg.DatabaseURL, sealer)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	githubClient, err := sourcehost.NewClient(cfg.GitHubAPIURL)
	if err != nil {
		log.Fatalf("failed to init github client: %v", err)
	}
	assistants, err := ai.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	if err != nil {
		log.Fatalf("failed to init assistants client: %v", err)
	}
	rules, err := ingest.RulesFromConfig(cfg.FlattenAllowedExtensions, cfg.FlattenRemap)
	if err != nil {
		log.Fatalf("invalid flatten rules: %v", err)
	}
	archives, err := storage.OpenArchiveStore(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, cfg.ArchiveDir)
	if err != nil {
		log.Fatalf("failed to init archive storage: %v", err)
	}
	coordinator, err := ingest.NewCoordinator(ingest.Config{
		DataDir:   cfg.DataDir,
		Store:     dataStore,
		Fetcher:   ingest.NewFetcher(githubClient, cfg.ArchiveRef),
		Flattener: ingest.NewFlattener(rules),
		Index: ingest.NewIndexBuilder(assistants, ingest.IndexConfig{
			Model:             cfg.AssistantModel,
			UploadConcurrency: cfg.UploadConcurrency,
		}),
		Archives: archives,
		Locker:   ingest.NewRedisLocker(redisClient, ""),
		LockTTL:  time.Duration(cfg.LockTTLSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init ingestion: %v", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     redisClient,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		ClaimIdle:  time.Duration(cfg.QueueClaimIdleSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	worker, err := app.New(app.Config{Users: dataStore, Ingester: coordinator, Queue: jobQueue})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	var verifier *servicetoken.Verifier
	if cfg.InternalJWTVerifyPublicKeys != "" {
		keyPaths, err := servicetoken.ParseKeyPaths(cfg.InternalJWTVerifyPublicKeys)
		if err != nil {
			log.Fatalf("invalid internal jwt key list: %v", err)
		}
		verifier, err = servicetoken.LoadVerifier("ingest", []string{"gateway"}, keyPaths)
		if err != nil {
			log.Fatalf("failed to init service token verifier: %v", err)
		}
	} else {
		logger.Warn("internal job api disabled: no verify keys configured")
	}
	httpServer, err := server.New(server.Config{Jobs: worker, Verifier: verifier})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	jobQueue.Start(ctx, cfg.QueueConcurrency, worker.Handle)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingest worker listening", "addr", addr, "concurrency", cfg.QueueConcurrency)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
