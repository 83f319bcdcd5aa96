package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"repochat/internal/credential"
	"repochat/internal/servicetoken"
	"repochat/internal/util"
	"repochat/pkg/ai"
	"repochat/pkg/chat"
	"repochat/pkg/ingest"
	"repochat/pkg/queue"
	"repochat/pkg/sourcehost"
	"repochat/pkg/storage"
	"repochat/pkg/store"
	"repochat/services/gateway/internal/app"
	"repochat/services/gateway/internal/config"
	"repochat/services/gateway/internal/ingestclient"
	"repochat/services/gateway/internal/server"
	"repochat/services/gateway/internal/session"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger("gateway", cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("failed to reach redis: %v", err)
	}

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
	index := ingest.NewIndexBuilder(assistants, ingest.IndexConfig{
		Model:             cfg.AssistantModel,
		UploadConcurrency: cfg.UploadConcurrency,
	})
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
		Index:     index,
		Archives:  archives,
		Locker:    ingest.NewRedisLocker(redisClient, ""),
	})
	if err != nil {
		log.Fatalf("failed to init ingestion: %v", err)
	}

	var jobs app.JobQueue
	if cfg.IngestServiceURL != "" {
		signer, err := servicetoken.LoadSigner("gateway", cfg.InternalJWTKeyID, cfg.InternalJWTPrivateKeyPath, 0)
		if err != nil {
			log.Fatalf("failed to init service token signer: %v", err)
		}
		jobs = ingestclient.NewClient(cfg.IngestServiceURL, signer)
	} else {
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client: redisClient,
			Stream: queueName(cfg.QueueName),
		})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:  dataStore,
		Source: githubClient,
		OAuth: &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubCallbackURL,
			Scopes:       []string{"repo"},
			Endpoint:     github.Endpoint,
		},
		Ingester: coordinator,
		Querier:  chat.NewRelay(dataStore, index, assistants, cfg.StreamBuffer),
		Jobs:     jobs,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	sessions, err := session.NewManager(cfg.SessionSecret, sessionTTL, session.NewRedisRevoker(redisClient, ""))
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trusted proxy list: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Sessions:                 sessions,
		Redis:                    redisClient,
		TrustedProxies:           trusted,
		ClientURL:                cfg.ClientURL,
		AllowedOrigins:           cfg.CORSAllowedOrigins,
		CookieName:               cfg.SessionCookieName,
		CookieSecure:             cfg.SessionCookieSecure,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		IngestRateLimitPerMinute: cfg.IngestRateLimitPerMinute,
		QueryRateLimitPerMinute:  cfg.QueryRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	// Synchronous ingestion can run for minutes; the chat stream clears its
	// own write deadline.
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("gateway listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func queueName(name string) string {
	if name == "" {
		return "repochat:ingest:jobs"
	}
	return name
}
