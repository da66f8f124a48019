package session

import (
	"context"
	"sync"
	"time"

	"web_editor/internal/model"

	gocache "github.com/patrickmn/go-cache"
)

type (
	// MemoryRegistry keeps sessions in a process-local expiring cache.
	MemoryRegistry struct {
		mu     sync.Mutex
		c      *gocache.Cache
		owners map[string]string // owner -> latest session id
		ttl    time.Duration
	}
)

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		c:      gocache.New(ttl, time.Minute),
		owners: make(map[string]string),
		ttl:    ttl,
	}
}

func (r *MemoryRegistry) AddSession(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[s.Owner]; ok && prev != s.ID {
		r.completeLocked(prev)
	}
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.c.Set(cp.ID, &cp, r.ttl)
	r.owners[s.Owner] = s.ID
	return nil
}

func (r *MemoryRegistry) GetSession(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.c.Get(id)
	if !ok {
		return nil, nil
	}
	cp := *v.(*model.Session)
	return &cp, nil
}

func (r *MemoryRegistry) Complete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.completeLocked(id) {
		return ErrSessionInvalidOrExpired
	}
	return nil
}

func (r *MemoryRegistry) completeLocked(id string) bool {
	v, exp, ok := r.c.GetWithExpiration(id)
	if !ok {
		return false
	}
	cp := *v.(*model.Session)
	cp.Completed = true
	ttl := time.Until(exp)
	if exp.IsZero() {
		ttl = gocache.NoExpiration
	} else if ttl <= 0 {
		return false
	}
	r.c.Set(id, &cp, ttl)
	if r.owners[cp.Owner] == id {
		delete(r.owners, cp.Owner)
	}
	return true
}

func (r *MemoryRegistry) IsLive(ctx context.Context, id string) (bool, error) {
	return isLive(ctx, r, id)
}
