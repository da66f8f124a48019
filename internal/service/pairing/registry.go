package pairing

import (
	"context"
	"errors"
	"sync"

	"web_editor/internal/model"
)

var ErrNoSocket = errors.New("pairing: no open editor socket for owner")

// Registry holds at most one live socket per owner.
type Registry struct {
	mu      sync.Mutex
	sockets map[model.Principal]*Socket
}

func NewRegistry() *Registry {
	return &Registry{sockets: make(map[model.Principal]*Socket)}
}

// Register makes s the owner's socket, closing whichever socket it replaces.
// s is removed again automatically when it closes.
func (r *Registry) Register(s *Socket) {
	r.mu.Lock()
	prev := r.sockets[s.Owner()]
	r.sockets[s.Owner()] = s
	r.mu.Unlock()

	s.OnClose(r.Remove)
	if prev != nil && prev != s {
		prev.Close(ReasonSuperseded)
	}
}

// Remove forgets s if it is still the owner's current socket.
func (r *Registry) Remove(s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sockets[s.Owner()] == s {
		delete(r.sockets, s.Owner())
	}
}

func (r *Registry) Get(owner model.Principal) *Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets[owner]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// Resolve routes an owner's trust decision to the owner's socket.
func (r *Registry) Resolve(ctx context.Context, owner model.Principal, nonce string, accept bool) error {
	s := r.Get(owner)
	if s == nil {
		return ErrNoSocket
	}
	return s.ResolvePendingAttempt(ctx, nonce, accept)
}

func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	all := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close(reason)
	}
}
