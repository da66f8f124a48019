package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/metrics"
	"web_editor/internal/model"
	"web_editor/internal/repository/identity"
	"web_editor/internal/repository/trust"
	"web_editor/internal/service/liveness"
	"web_editor/internal/service/pairing"
	"web_editor/internal/service/relay"
	"web_editor/internal/service/session"
	"web_editor/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrSessionOpenFailed = errors.New("editor: session open failed")
	ErrNoChanges         = errors.New("editor: change request carries no changes")
)

type (
	// KeySource hands out the server identity.
	KeySource interface {
		KeyPair(ctx context.Context) (*identity.KeyPair, error)
	}

	BlobStore interface {
		Upload(ctx context.Context, content []byte) (string, error)
		Download(ctx context.Context, key string) ([]byte, error)
	}

	Relay interface {
		CreateChannel(ctx context.Context) (string, error)
		OpenSocket(ctx context.Context, channelID string, h relay.FrameHandler) (*relay.Conn, error)
	}

	Config struct {
		// EditorBaseURL is prefixed to the retrieval key to form the link.
		EditorBaseURL string
		// CommandAlias is echoed in the payload so the editor can print the
		// right command names.
		CommandAlias string
	}

	Deps struct {
		Identity    KeySource
		Trust       trust.Store
		Sessions    session.Registry
		Blobs       BlobStore
		Relay       Relay
		Sockets     *pairing.Registry
		Scheduler   *liveness.Scheduler
		Snapshotter Snapshotter
		Applier     Applier
		Notifier    pairing.Notifier
		Policy      pairing.Policy
		Logger      *zap.Logger
	}

	// Orchestrator opens editor sessions and applies what comes back from
	// them.
	Orchestrator struct {
		cfg  Config
		deps Deps
		log  *zap.Logger
	}

	changeEnvelope struct {
		Changes json.RawMessage `json:"changes"`
	}
)

var _ pairing.ChangeHandler = (*Orchestrator)(nil)

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = log.Named("editor")
	}
	if deps.Sockets == nil {
		deps.Sockets = pairing.NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = pairing.LogNotifier{Logger: deps.Logger}
	}
	if cfg.CommandAlias == "" {
		cfg.CommandAlias = "editor"
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}
}

// Open builds the bootstrap payload, pairs a socket with a fresh relay
// channel, uploads the payload and returns the shareable editor URL. On any
// failure the socket is closed before returning.
func (o *Orchestrator) Open(ctx context.Context, owner model.Principal) (string, error) {
	url, err := o.open(ctx, owner)
	if err != nil {
		metrics.SessionsOpened.WithLabelValues("error").Inc()
		o.log.Warn("open editor session failed", log.Owner(owner.String()), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrSessionOpenFailed, err)
	}
	metrics.SessionsOpened.WithLabelValues("ok").Inc()
	return url, nil
}

func (o *Orchestrator) open(ctx context.Context, owner model.Principal) (url string, err error) {
	kp, err := o.deps.Identity.KeyPair(ctx)
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	data, err := o.deps.Snapshotter.Snapshot(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	sock := pairing.NewSocket(owner, pairing.Deps{
		Identity:  kp,
		Trust:     o.deps.Trust,
		Sessions:  o.deps.Sessions,
		Scheduler: o.deps.Scheduler,
		Notifier:  o.deps.Notifier,
		Changes:   o,
		Policy:    o.deps.Policy,
		Logger:    o.deps.Logger.Named("pairing"),
	})
	defer func() {
		if err != nil {
			sock.Close(pairing.ReasonOpenFailed)
		}
	}()

	channelID, err := o.deps.Relay.CreateChannel(ctx)
	if err != nil {
		return "", err
	}
	conn, err := o.deps.Relay.OpenSocket(ctx, channelID, sock)
	if err != nil {
		return "", err
	}
	if err := sock.Attach(channelID, conn); err != nil {
		conn.Close(1000, pairing.ReasonOpenFailed)
		return "", err
	}

	key, err := o.publish(ctx, owner, kp, channelID, data, false)
	if err != nil {
		return "", err
	}

	o.deps.Sockets.Register(sock)
	o.log.Info("editor session opened", log.Owner(owner.String()), log.Channel(channelID), log.BlobKey(key))
	return o.editorURL(key), nil
}

// publish uploads a payload carrying data and the socket coordinates and
// registers it as the owner's live session.
func (o *Orchestrator) publish(ctx context.Context, owner model.Principal, kp *identity.KeyPair, channelID string, data json.RawMessage, checkpoint bool) (string, error) {
	payload := model.EditorPayload{
		Metadata: model.PayloadMetadata{
			Owner:        owner.String(),
			CreatedAt:    time.Now().UnixMilli(),
			CommandAlias: o.cfg.CommandAlias,
			Checkpoint:   checkpoint,
		},
		Data: data,
		Socket: &model.SocketInfo{
			ProtocolVersion: signature.ProtocolVersion,
			ChannelID:       channelID,
			PublicKey:       kp.EncodedPublicKey(),
		},
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return "", err
	}

	key, err := o.deps.Blobs.Upload(ctx, body)
	if err != nil {
		return "", err
	}
	if err := o.deps.Sessions.AddSession(ctx, &model.Session{
		ID:      key,
		Owner:   owner.String(),
		Payload: body,
	}); err != nil {
		return "", fmt.Errorf("register session: %w", err)
	}
	return key, nil
}

// HandleChange applies an authenticated change request from the browser and
// publishes a checkpoint that supersedes the previous session.
func (o *Orchestrator) HandleChange(ctx context.Context, s *pairing.Socket, req *model.ChangeRequest) (int, string, error) {
	changes := req.Changes
	if len(changes) == 0 && req.Code != "" {
		doc, err := o.deps.Blobs.Download(ctx, req.Code)
		if err != nil {
			return 0, "", err
		}
		changes = extractChanges(doc, false)
	}
	if len(changes) == 0 || isNull(changes) {
		return 0, "", ErrNoChanges
	}

	applied, err := o.deps.Applier.Apply(ctx, s.Owner(), changes)
	if err != nil {
		return 0, "", err
	}

	kp, err := o.deps.Identity.KeyPair(ctx)
	if err != nil {
		return applied, "", err
	}
	data, err := o.deps.Snapshotter.Snapshot(ctx, s.Owner())
	if err != nil {
		return applied, "", fmt.Errorf("snapshot: %w", err)
	}
	key, err := o.publish(ctx, s.Owner(), kp, s.ChannelID(), data, true)
	if err != nil {
		return applied, "", fmt.Errorf("checkpoint: %w", err)
	}

	o.log.Info("changes applied", log.Owner(s.Owner().String()), zap.Int("applied", applied), log.BlobKey(key))
	return applied, key, nil
}

// Apply applies changes the owner fetched by blob key, outside any socket.
// A key that names a completed session is refused and a key is only ever
// applied once.
func (o *Orchestrator) Apply(ctx context.Context, owner model.Principal, blobKey string) (int, error) {
	sess, err := o.deps.Sessions.GetSession(ctx, blobKey)
	if err != nil {
		return 0, err
	}
	if sess != nil && session.IsCompleted(sess) {
		return 0, session.ErrSessionCompleted
	}

	doc, err := o.deps.Blobs.Download(ctx, blobKey)
	if err != nil {
		return 0, err
	}
	// a key the registry knows names a published payload, not a bare change set
	changes := extractChanges(doc, sess != nil)
	if len(changes) == 0 || isNull(changes) {
		return 0, ErrNoChanges
	}

	applied, err := o.deps.Applier.Apply(ctx, owner, changes)
	if err != nil {
		return 0, err
	}

	if sess != nil {
		err = o.deps.Sessions.Complete(ctx, blobKey)
	} else {
		err = o.deps.Sessions.AddSession(ctx, &model.Session{
			ID:        blobKey,
			Owner:     "applied:" + owner.String(),
			Completed: true,
		})
	}
	if err != nil {
		o.log.Warn("mark applied session failed", log.BlobKey(blobKey), zap.Error(err))
	}

	o.log.Info("changes applied from blob", log.Owner(owner.String()), log.BlobKey(blobKey), zap.Int("applied", applied))
	return applied, nil
}

func (o *Orchestrator) Trust(ctx context.Context, owner model.Principal, nonce string) error {
	return o.deps.Sockets.Resolve(ctx, owner, nonce, true)
}

func (o *Orchestrator) Reject(ctx context.Context, owner model.Principal, nonce string) error {
	return o.deps.Sockets.Resolve(ctx, owner, nonce, false)
}

// Untrust forgets one fingerprint (or unique prefix), or every key of owner
// when target is "all".
func (o *Orchestrator) Untrust(ctx context.Context, owner model.Principal, target string) (bool, error) {
	target = strings.TrimSpace(target)
	if strings.EqualFold(target, "all") {
		return o.deps.Trust.Untrust(ctx, owner, nil)
	}
	return o.deps.Trust.UntrustFingerprint(ctx, owner, strings.ToLower(target))
}

func (o *Orchestrator) ListTrusted(ctx context.Context, owner model.Principal) ([]string, error) {
	return o.deps.Trust.ListTrusted(ctx, owner)
}

// Socket returns the owner's open editor socket, if any.
func (o *Orchestrator) Socket(owner model.Principal) *pairing.Socket {
	return o.deps.Sockets.Get(owner)
}

func (o *Orchestrator) Close() {
	o.deps.Sockets.CloseAll(pairing.ReasonShutdown)
}

func (o *Orchestrator) editorURL(key string) string {
	return strings.TrimRight(o.cfg.EditorBaseURL, "/") + "/" + key
}

// extractChanges accepts either a bare change set or {"changes": {...}}.
// An editor payload without a changes field yields nil, as does any document
// without one when envelopeOnly is set.
func extractChanges(doc []byte, envelopeOnly bool) json.RawMessage {
	var env changeEnvelope
	if err := json.Unmarshal(doc, &env); err == nil && len(env.Changes) > 0 {
		return env.Changes
	}
	if envelopeOnly || isEditorPayload(doc) {
		return nil
	}
	return json.RawMessage(doc)
}

func isEditorPayload(doc []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	_, hasMeta := fields["metadata"]
	_, hasData := fields["data"]
	return hasMeta && hasData
}
