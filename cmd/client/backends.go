package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"web_editor/internal/config"
	"web_editor/internal/repository/trust"
	redisSvc "web_editor/internal/service/redis"
	"web_editor/internal/service/session"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// backends holds the stores picked by configuration and how to release them.
type backends struct {
	trust    trust.Store
	sessions session.Registry
	closers  []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openTrustStore(ctx context.Context, cfg *config.Config, b *backends) error {
	if cfg.Trust.Driver != "mongo" {
		fs, err := trust.NewFileStore(cfg.Trust.File)
		if err != nil {
			return fmt.Errorf("open trust file: %w", err)
		}
		b.trust = fs
		return nil
	}

	client, err := initMongo(ctx, cfg.Trust.Mongo.URI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	b.closers = append(b.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	})

	store := trust.NewMongoStore(client.Database(cfg.Trust.Mongo.Database))
	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("trust indexes: %w", err)
	}
	b.trust = store
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	if err := openTrustStore(ctx, cfg, b); err != nil {
		_ = b.Close()
		return nil, err
	}

	if cfg.Sessions.Driver != "redis" {
		b.sessions = session.NewMemoryRegistry(cfg.Sessions.TTL)
		return b, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rs := redisSvc.NewRedis(rdb, cfg.Redis.Prefix)
	b.closers = append(b.closers, rs.Close)
	if err := rs.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	b.sessions = session.NewRedisRegistry(rs, cfg.Sessions.TTL)
	return b, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}
