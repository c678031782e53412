package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ButyrinIA/feedsync/internal/config"
	"github.com/ButyrinIA/feedsync/internal/profile"
	"github.com/ButyrinIA/feedsync/internal/server"
	"github.com/ButyrinIA/feedsync/internal/session"
	"github.com/ButyrinIA/feedsync/internal/storage"
	"github.com/ButyrinIA/feedsync/internal/storage/memory"
	"github.com/ButyrinIA/feedsync/internal/storage/postgres"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	storageType := flag.String("storage", "memory", "тип хранилища: memory или postgres")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("не удалось загрузить конфигурацию", slog.Any("error", err))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if cfg.InsecureTokenSecret() {
		logger.Warn("используется секрет токенов по умолчанию, задайте server.token_secret или FEEDSYNC_TOKEN_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.Storage
	switch *storageType {
	case "postgres":
		logger.Info("инициализация хранилища PostgreSQL")
		store, err = postgres.NewWithLogger(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Error("не удалось инициализировать PostgreSQL", slog.Any("error", err))
			os.Exit(1)
		}
	case "memory":
		logger.Info("инициализация хранилища в памяти")
		store = memory.NewWithLogger(logger)
	default:
		logger.Error("неизвестный тип хранилища", slog.String("storage", *storageType))
		os.Exit(1)
	}
	defer store.Close()

	opts := []profile.Option{profile.WithLogger(logger)}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis недоступен, кэш профилей отключен", slog.Any("error", err))
		} else {
			opts = append(opts, profile.WithCache(profile.NewRedisCache(client, cfg.Redis.ProfileTTL)))
		}
	}
	profiles := profile.NewService(store, opts...)
	tokens := session.NewTokens(cfg.Server.TokenSecret, cfg.Server.TokenTTL)

	srv := server.New(cfg, store, tokens, profiles, server.WithLogger(logger))
	if err := srv.Run(ctx); err != nil {
		logger.Error("сервер остановлен с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}
