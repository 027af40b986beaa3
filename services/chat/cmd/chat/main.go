package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"streamchat/internal/ratelimit"
	"streamchat/internal/usertoken"
	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/events"
	"streamchat/pkg/queue"
	"streamchat/pkg/storage"
	"streamchat/services/chat/internal/app"
	"streamchat/services/chat/internal/authclient"
	"streamchat/services/chat/internal/config"
	"streamchat/services/chat/internal/identity"
	"streamchat/services/chat/internal/server"
)

const sweepInterval = time.Minute

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb redis.UniversalClient
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		rdb = client
	} else {
		logger.Warn("no redisAddr configured, rate limits and cross-instance sign-out are disabled")
	}

	var archive *storage.TranscriptArchive
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal(logger, "failed to init object storage", "err", err)
		}
		archive = storage.NewTranscriptArchive(objects, config.MustDuration(cfg.ExportURLTTL))
	}

	var publishers events.Fanout
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			util.Fatal(logger, "failed to init amqp publisher", "err", err)
		}
		publishers = append(publishers, amqpPub)
	}
	var eventStream *queue.EventStream
	if rdb != nil {
		eventStream, err = queue.NewEventStream(queue.StreamConfig{
			Client: rdb,
			Stream: streamName(cfg.EventStream),
			Group:  "chat",
			Logger: logger,
		})
		if err != nil {
			util.Fatal(logger, "failed to init event stream", "err", err)
		}
		publishers = append(publishers, eventStream)
	}

	var broadcaster identity.Broadcaster
	if rdb != nil {
		broadcaster = identity.NewRedisBroadcaster(rdb, "", logger)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		AI: ai.Config{
			Provider:     cfg.AIProvider,
			Model:        cfg.AIModel,
			BaseURL:      cfg.AIBaseURL,
			APIKey:       cfg.AIAPIKey,
			SystemPrompt: cfg.AISystemPrompt,
			Timeout:      config.MustDuration(cfg.AITimeout),
		},
		Auth:               authclient.NewClient(cfg.AuthServiceURL),
		Broadcaster:        broadcaster,
		Archive:            archive,
		Publisher:          publishers,
		SessionIdleTTL:     config.MustDuration(cfg.SessionIdleTTL),
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		Logger:             logger,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}
	defer appCore.Close()

	var tokenVerifier *usertoken.Verifier
	if cfg.AuthJWKSURL != "" {
		tokenVerifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     config.MustDuration(cfg.JWTLeeway),
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal(logger, "failed to init jwks verifier", "err", err)
		}
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal(logger, "invalid trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		TokenVerifier:   tokenVerifier,
		AuthLimiter:     mustLimiter(logger, rdb, "auth", cfg.AuthRateLimitPerMinute),
		MessageLimiter:  mustLimiter(logger, rdb, "message", cfg.MessageRateLimitPerMinute),
		TrustedProxies:  trusted,
		CORSOrigins:     cfg.CORSOrigins,
		MaxMessageRunes: cfg.MaxMessageRunes,
	})

	addr := ":" + cfg.Port
	// no WriteTimeout: replies are streamed for as long as the provider takes
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return appCore.Sessions().Run(gctx, sweepInterval)
	})
	g.Go(func() error {
		return appCore.Identity().Run(gctx)
	})
	if eventStream != nil {
		g.Go(func() error {
			return eventStream.Run(gctx, appCore.HandleEvent)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func streamName(configured string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	return "streamchat:events"
}

// mustLimiter returns nil when perMinute is 0 or there is no redis.
func mustLimiter(logger *slog.Logger, rdb redis.UniversalClient, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 || rdb == nil {
		return nil
	}
	l, err := ratelimit.NewFixedWindowLimiter(rdb, "streamchat:chat:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		util.Fatal(logger, "failed to init rate limiter", "name", name, "err", err)
	}
	return l
}
