package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"streamchat/internal/ratelimit"
	"streamchat/internal/util"
	"streamchat/services/auth/internal/app"
	"streamchat/services/auth/internal/config"
	"streamchat/services/auth/internal/security"
	"streamchat/services/auth/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "auth")

	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	refreshTTL, _ := config.ParseDuration("refreshTTL", cfg.RefreshTTL)
	resetCodeTTL, _ := config.ParseDuration("resetCodeTTL", cfg.ResetCodeTTL)
	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	verifyKeys, _ := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		Redis:               rdb,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		ResetCodeTTL:        resetCodeTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           jwtLeeway,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal(logger, "invalid trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App: appCore,
		Limiters: server.Limiters{
			Signup:   mustLimiter(logger, rdb, "signup", cfg.SignupRateLimitPerMinute),
			Login:    mustLimiter(logger, rdb, "login", cfg.LoginRateLimitPerMinute),
			Refresh:  mustLimiter(logger, rdb, "refresh", cfg.RefreshRateLimitPerMinute),
			Password: mustLimiter(logger, rdb, "password", cfg.PasswordRateLimitPerMinute),
		},
		Alerter:        security.NewAuditAlerter(rdb, ""),
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("auth server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// mustLimiter returns nil when perMinute is 0.
func mustLimiter(logger *slog.Logger, rdb redis.UniversalClient, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 {
		return nil
	}
	l, err := ratelimit.NewFixedWindowLimiter(rdb, "streamchat:auth:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		util.Fatal(logger, "failed to init rate limiter", "name", name, "err", err)
	}
	return l
}
