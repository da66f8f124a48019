package pairing

import (
	"context"

	"web_editor/internal/model"
	"web_editor/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Notifier surfaces operator-facing prompts, such as a pending trust
	// decision, to whoever owns the session.
	Notifier interface {
		Notify(owner model.Principal, message string)
	}

	// ChangeHandler applies one authenticated change request and returns how
	// many entries changed plus the key of the resulting checkpoint blob.
	ChangeHandler interface {
		HandleChange(ctx context.Context, s *Socket, req *model.ChangeRequest) (applied int, checkpointKey string, err error)
	}

	// LogNotifier is the fallback Notifier when no console is attached.
	LogNotifier struct {
		Logger *zap.Logger
	}
)

func (n LogNotifier) Notify(owner model.Principal, message string) {
	l := n.Logger
	if l == nil {
		l = log.Named("notify")
	}
	l.Info(message, log.Owner(owner.String()))
}
