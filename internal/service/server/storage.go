package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redisSvc "web_editor/internal/service/redis"

	gocache "github.com/patrickmn/go-cache"
)

type (
	// Blob is a stored object exactly as uploaded, with its content encoding.
	Blob struct {
		Data        []byte `json:"data"`
		Encoding    string `json:"encoding,omitempty"`
		ContentType string `json:"content_type,omitempty"`
	}

	// BlobStorage returns nil, nil from Get for a missing key.
	BlobStorage interface {
		Put(ctx context.Context, key string, b *Blob, ttl time.Duration) error
		Get(ctx context.Context, key string) (*Blob, error)
	}

	MemoryBlobStorage struct {
		c *gocache.Cache
	}

	RedisBlobStorage struct {
		redis *redisSvc.RedisService
	}
)

func NewMemoryBlobStorage() *MemoryBlobStorage {
	return &MemoryBlobStorage{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (m *MemoryBlobStorage) Put(_ context.Context, key string, b *Blob, ttl time.Duration) error {
	cp := *b
	m.c.Set(key, &cp, ttl)
	return nil
}

func (m *MemoryBlobStorage) Get(_ context.Context, key string) (*Blob, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, nil
	}
	cp := *v.(*Blob)
	return &cp, nil
}

func NewRedisBlobStorage(rs *redisSvc.RedisService) *RedisBlobStorage {
	return &RedisBlobStorage{redis: rs}
}

func blobKey(key string) string { return "blob:" + key }

func (r *RedisBlobStorage) Put(ctx context.Context, key string, b *Blob, ttl time.Duration) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.redis.Set(ctx, blobKey(key), data, ttl)
}

func (r *RedisBlobStorage) Get(ctx context.Context, key string) (*Blob, error) {
	data, err := r.redis.Get(ctx, blobKey(key))
	if errors.Is(err, redisSvc.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
