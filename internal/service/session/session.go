package session

import (
	"context"
	"errors"
	"time"

	"web_editor/internal/model"
)

// DefaultTTL bounds how long an uploaded editor payload stays redeemable.
const DefaultTTL = time.Hour

var (
	ErrSessionInvalidOrExpired = errors.New("session: invalid or expired")
	ErrSessionCompleted        = errors.New("session: already completed")
)

// Registry tracks editor payloads so each can be redeemed while live and never
// after it was completed, superseded or expired.
type Registry interface {
	// AddSession registers s and completes the previous live session of the
	// same owner.
	AddSession(ctx context.Context, s *model.Session) error
	// GetSession returns nil, nil for unknown or expired ids.
	GetSession(ctx context.Context, id string) (*model.Session, error)
	Complete(ctx context.Context, id string) error
	// IsLive reports whether id names a registered, unexpired, uncompleted
	// session.
	IsLive(ctx context.Context, id string) (bool, error)
}

func IsCompleted(s *model.Session) bool {
	return s == nil || s.Completed
}

func isLive(ctx context.Context, r Registry, id string) (bool, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	return !IsCompleted(s), nil
}
