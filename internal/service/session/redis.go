package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"web_editor/internal/model"
	redisSvc "web_editor/internal/service/redis"
)

type (
	// RedisRegistry shares sessions through redis so several server processes
	// behind one editor deployment agree on which links are live.
	RedisRegistry struct {
		redis *redisSvc.RedisService
		ttl   time.Duration
	}
)

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(rs *redisSvc.RedisService, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{redis: rs, ttl: ttl}
}

func sessionKey(id string) string { return "session:" + id }
func ownerKey(owner string) string { return "session-owner:" + owner }

func (r *RedisRegistry) AddSession(ctx context.Context, s *model.Session) error {
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	if err := r.redis.Set(ctx, sessionKey(cp.ID), data, r.ttl); err != nil {
		return err
	}

	prev, err := r.redis.GetSet(ctx, ownerKey(cp.Owner), cp.ID, r.ttl)
	if err != nil {
		return err
	}
	if len(prev) > 0 && string(prev) != cp.ID {
		if err := r.Complete(ctx, string(prev)); err != nil && !errors.Is(err, ErrSessionInvalidOrExpired) {
			return err
		}
	}
	return nil
}

func (r *RedisRegistry) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.redis.Get(ctx, sessionKey(id))
	if errors.Is(err, redisSvc.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisRegistry) Complete(ctx context.Context, id string) error {
	err := r.redis.Update(ctx, sessionKey(id), func(cur []byte) ([]byte, error) {
		var s model.Session
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, err
		}
		s.Completed = true
		return json.Marshal(&s)
	})
	if errors.Is(err, redisSvc.ErrNil) {
		return ErrSessionInvalidOrExpired
	}
	return err
}

func (r *RedisRegistry) IsLive(ctx context.Context, id string) (bool, error) {
	return isLive(ctx, r, id)
}
