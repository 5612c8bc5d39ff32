package main

import (
	"context"
	"log"
	"os"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/origin"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/server"
	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/memstore"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newLogger() (*zap.Logger, error) {
	if os.Getenv("APP_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	authCfg := auth.Config{}
	if err := env.Parse(&authCfg); err != nil {
		sugar.Fatalf("Cannot parse auth config: %v", err)
	}

	rtCfg := realtime.Config{}
	if err := env.Parse(&rtCfg); err != nil {
		sugar.Fatalf("Cannot parse realtime config: %v", err)
	}

	var store storage.Gateway
	switch cfg.StorageDriver {
	case "memory":
		sugar.Warn("Using in-memory store, data is lost on restart")
		store = memstore.New()
	case "postgres":
		pgCfg := storage.Config{}
		if err := env.Parse(&pgCfg); err != nil {
			sugar.Fatalf("Cannot parse storage config: %v", err)
		}

		pg, err := storage.New(context.Background(), sugar, pgCfg,
			storage.ConnectionTimeout(30*time.Second),
			storage.MaxConns(pgCfg.MaxConns),
		)
		if err != nil {
			sugar.Fatalf("Cannot create Store instance: %v", err)
		}
		if err := pg.Migrate(context.Background()); err != nil {
			sugar.Fatalf("Cannot apply schema: %v", err)
		}
		store = pg
	default:
		sugar.Fatalf("Unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	tokens := auth.NewTokenManager(authCfg.Secret, authCfg.Issuer, authCfg.TokenTTL)
	accounts := auth.NewService(sugar, store, auth.NewPasswordHasher(authCfg.BcryptCost), tokens)
	conversations := chat.NewConversationService(sugar, store)
	messages := chat.NewMessageService(sugar, store)

	allowlist := origin.New(sugar, cfg.AllowedOrigins)
	if allowlist.AllowAll() {
		sugar.Warn("ALLOWED_ORIGINS contains *, credentialed requests are accepted from any origin")
	}

	hub, err := realtime.New(sugar, tokens,
		realtime.WithConfig(rtCfg),
		realtime.WithCheckOrigin(allowlist.CheckRequest),
		realtime.WithRegisterer(prometheus.DefaultRegisterer),
		realtime.WithResolver(realtime.MemberResolverFunc(func(ctx context.Context, chatID string) ([]string, error) {
			c, err := conversations.Chat(ctx, chatID)
			if err != nil {
				return nil, err
			}
			return c.MemberIDs(), nil
		})),
	)
	if err != nil {
		sugar.Fatalf("Cannot create realtime hub: %v", err)
	}

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.WithOrigins(allowlist),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, server.Deps{
		Accounts:      accounts,
		Verifier:      tokens,
		Conversations: conversations,
		Messages:      messages,
		Hub:           hub,
		Metrics:       server.MetricsHandler(),
	}, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
