package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"web_editor/internal/config"
	"web_editor/internal/metrics"
	redisSvc "web_editor/internal/service/redis"
	"web_editor/internal/service/server"
	"web_editor/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatal("load env file", zap.Error(err))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	log.Init(log.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "editor-relay"})
	defer log.Sync()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatal("register metrics", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, closeBlobs, err := initBlobStorage(ctx, cfg)
	if err != nil {
		log.Fatal("init blob storage", zap.Error(err))
	}
	defer closeBlobs()

	srv := server.NewHttpServer(server.Config{
		Addr:    cfg.Server.Addr,
		BlobTTL: cfg.Server.BlobTTL,
	}, blobs, log.Named("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func initBlobStorage(ctx context.Context, cfg *config.Config) (server.BlobStorage, func(), error) {
	if cfg.Server.BlobStorage != "redis" {
		return server.NewMemoryBlobStorage(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rs := redisSvc.NewRedis(rdb, cfg.Redis.Prefix)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, nil, err
	}
	return server.NewRedisBlobStorage(rs), func() { _ = rs.Close() }, nil
}
