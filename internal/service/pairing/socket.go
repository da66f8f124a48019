package pairing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/metrics"
	"web_editor/internal/model"
	"web_editor/internal/repository/identity"
	"web_editor/internal/repository/trust"
	"web_editor/internal/service/liveness"
	"web_editor/internal/service/session"
	"web_editor/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrAttemptNotFound = errors.New("pairing: no pending attempt for nonce")
	ErrSocketClosed    = errors.New("pairing: socket closed")
	ErrAlreadyPaired   = errors.New("pairing: socket already paired with another key")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateUntrustedPending
	StateTrusted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateUntrustedPending:
		return "untrusted_pending"
	case StateTrusted:
		return "trusted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Close reasons, also used as metric labels.
const (
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonIdle             = "idle"
	ReasonBadFrames        = "bad_frames"
	ReasonSuperseded       = "superseded"
	ReasonRemote           = "remote"
	ReasonShutdown         = "shutdown"
	ReasonOpenFailed       = "open_failed"
)

const (
	closeNormal = 1000

	frameBuffer  = 128
	jobBuffer    = 16
	applyTimeout = 2 * time.Minute
)

type (
	// Transport is the outbound half of a relay connection.
	Transport interface {
		Send(text string) error
		Close(code int, reason string) error
	}

	Policy struct {
		HandshakeTimeout time.Duration
		CheckInterval    time.Duration
		IdleTimeout      time.Duration
		// MaxBadFrames consecutive signature failures close the socket.
		MaxBadFrames int
	}

	Deps struct {
		Identity  *identity.KeyPair
		Trust     trust.Store
		Sessions  session.Registry
		Scheduler *liveness.Scheduler
		Notifier  Notifier
		Changes   ChangeHandler
		Policy    Policy
		Logger    *zap.Logger
	}

	// Socket runs the handshake and session state machine for one relay
	// channel. Inbound frames are queued by HandleFrame and processed one at a
	// time, in arrival order, by a single loop goroutine.
	Socket struct {
		owner model.Principal
		deps  Deps
		log   *zap.Logger

		frames chan string
		jobs   chan func()
		closed chan struct{}

		mu           sync.Mutex
		state        State
		channelID    string
		conn         Transport
		remoteKey    ed25519.PublicKey
		lastActivity time.Time
		pending      map[string]ed25519.PublicKey
		badFrames    int
		notified     bool
		tasks        []*liveness.Task
		closeHooks   []func(*Socket)
	}
)

func DefaultPolicy() Policy {
	return Policy{
		HandshakeTimeout: 60 * time.Second,
		CheckInterval:    30 * time.Second,
		IdleTimeout:      120 * time.Second,
		MaxBadFrames:     16,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = d.HandshakeTimeout
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = d.CheckInterval
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = d.IdleTimeout
	}
	if p.MaxBadFrames <= 0 {
		p.MaxBadFrames = d.MaxBadFrames
	}
	return p
}

func NewSocket(owner model.Principal, deps Deps) *Socket {
	deps.Policy = deps.Policy.withDefaults()
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Logger: deps.Logger}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Named("pairing")
	}
	return &Socket{
		owner:   owner,
		deps:    deps,
		log:     logger.With(log.Owner(owner.String())),
		frames:  make(chan string, frameBuffer),
		jobs:    make(chan func(), jobBuffer),
		closed:  make(chan struct{}),
		state:   StateConnecting,
		pending: make(map[string]ed25519.PublicKey),
	}
}

// Attach binds the socket to an open relay connection, starts the frame loop
// and the apply worker, and schedules the handshake deadline.
func (s *Socket) Attach(channelID string, conn Transport) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.channelID = channelID
	s.conn = conn
	s.state = StateOpen
	s.lastActivity = time.Now()
	if s.deps.Scheduler != nil {
		s.tasks = append(s.tasks, s.deps.Scheduler.After(s.deps.Policy.HandshakeTimeout, s.handshakeCheck))
	}
	s.mu.Unlock()

	metrics.SocketsOpen.Inc()
	go s.loop()
	go s.worker()
	s.log.Debug("pairing socket open", log.Channel(channelID))
	return nil
}

// HandleFrame queues a raw inbound frame. It never blocks the transport.
func (s *Socket) HandleFrame(frame string) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.frames <- frame:
	default:
		metrics.FramesRejected.WithLabelValues("overflow").Inc()
		s.log.Warn("frame queue full, dropping frame")
	}
}

// HandleClose is called by the transport once the connection is gone.
func (s *Socket) HandleClose(err error) {
	if err != nil {
		s.log.Debug("relay connection lost", zap.Error(err))
	}
	s.Close(ReasonRemote)
}

func (s *Socket) loop() {
	for {
		select {
		case <-s.closed:
			return
		case raw := <-s.frames:
			s.handleFrame(raw)
		}
	}
}

func (s *Socket) worker() {
	for {
		select {
		case <-s.closed:
			return
		case job := <-s.jobs:
			job()
		}
	}
}

func (s *Socket) handleFrame(raw string) {
	frame, typ, err := DecodeFrame(raw)
	if err != nil {
		s.reject("malformed", err)
		return
	}

	if typ == model.TypeHello {
		metrics.FramesReceived.WithLabelValues(typ).Inc()
		s.handleHello(frame)
		return
	}

	s.mu.Lock()
	remote := s.remoteKey
	s.mu.Unlock()
	if remote == nil {
		s.reject("untrusted", fmt.Errorf("%s before trust", typ))
		return
	}

	if err := VerifyFrame(remote, frame); err != nil {
		s.badFrame(err)
		return
	}
	s.mu.Lock()
	s.badFrames = 0
	s.mu.Unlock()

	switch typ {
	case model.TypePing:
		metrics.FramesReceived.WithLabelValues(typ).Inc()
		s.touch()
		s.send(model.NewPong(true))

	case model.TypeChangeRequest:
		metrics.FramesReceived.WithLabelValues(typ).Inc()
		s.touch()
		req, err := decodeInner[model.ChangeRequest](frame)
		if err != nil {
			s.reject("malformed", err)
			return
		}
		s.handleChangeRequest(req)

	case model.TypeConnected:
		metrics.FramesReceived.WithLabelValues(typ).Inc()
		s.touch()
		s.log.Debug("browser reports connected")

	default:
		s.reject("unknown_type", fmt.Errorf("%w: %q", ErrUnknownMessageType, typ))
	}
}

func (s *Socket) handleHello(frame *model.Frame) {
	hello, err := decodeInner[model.Hello](frame)
	if err != nil {
		s.replyHello("", model.HelloInvalid)
		return
	}
	l := s.log.With(log.Nonce(hello.Nonce))

	key, err := signature.ParsePublicKey(hello.PublicKey)
	if err != nil || hello.Nonce == "" {
		l.Debug("hello rejected as invalid", zap.Error(err))
		s.replyHello(hello.Nonce, model.HelloInvalid)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if hello.SessionID != "" && s.deps.Sessions != nil {
		live, err := s.deps.Sessions.IsLive(ctx, hello.SessionID)
		if err != nil || !live {
			l.Info("hello for a session that is no longer live", zap.String("session", hello.SessionID), zap.Error(err))
			s.replyHello(hello.Nonce, model.HelloInvalid)
			return
		}
	}

	s.mu.Lock()
	if s.remoteKey != nil && !bytes.Equal(s.remoteKey, key) {
		s.mu.Unlock()
		l.Warn("hello with a different key on a paired socket", log.Fingerprint(signature.ShortFingerprint(key)))
		s.replyHello(hello.Nonce, model.HelloRejected)
		return
	}
	s.mu.Unlock()

	trusted, err := s.deps.Trust.IsTrusted(ctx, s.owner, key)
	if err != nil {
		l.Error("trust lookup failed", zap.Error(err))
	}

	if !trusted {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		// the owner may have paired another key while the lookup ran
		if s.remoteKey != nil && !bytes.Equal(s.remoteKey, key) {
			s.mu.Unlock()
			l.Warn("hello with a different key on a paired socket", log.Fingerprint(signature.ShortFingerprint(key)))
			s.replyHello(hello.Nonce, model.HelloRejected)
			return
		}
		s.pending[hello.Nonce] = key
		// a previously accepted key that lost its trust record stops being
		// accepted for signed traffic
		s.remoteKey = nil
		s.state = StateUntrustedPending
		s.mu.Unlock()

		s.replyHello(hello.Nonce, model.HelloUntrusted)
		browser := hello.Browser
		if browser == "" {
			browser = "unknown browser"
		}
		s.deps.Notifier.Notify(s.owner, fmt.Sprintf(
			"%s wants to connect with key %s. Run `trust %s` to accept it.",
			browser, signature.ShortFingerprint(key), hello.Nonce))
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.remoteKey != nil && !bytes.Equal(s.remoteKey, key) {
		s.mu.Unlock()
		s.replyHello(hello.Nonce, model.HelloRejected)
		return
	}
	reconnected := s.remoteKey != nil || s.notified
	s.acceptLocked(key)
	first := !s.notified
	s.notified = true
	s.mu.Unlock()

	reply := model.NewHelloReply(hello.Nonce, model.HelloAccepted)
	reply.Reconnected = reconnected
	s.sendHelloReply(reply)

	l.Info("browser accepted", log.Fingerprint(signature.ShortFingerprint(key)), zap.Bool("reconnected", reconnected))
	if first {
		s.deps.Notifier.Notify(s.owner, fmt.Sprintf("Browser with key %s connected to the editor.", signature.ShortFingerprint(key)))
	}
}

func (s *Socket) acceptLocked(key ed25519.PublicKey) {
	s.remoteKey = key
	s.state = StateTrusted
	s.badFrames = 0
	s.lastActivity = time.Now()
}

func (s *Socket) handleChangeRequest(req *model.ChangeRequest) {
	s.send(model.NewChangeResponse(req.Nonce, model.ChangeAccepted))

	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		defer cancel()

		resp := model.NewChangeResponse(req.Nonce, model.ChangeApplied)
		if s.deps.Changes == nil {
			resp.State = model.ChangeError
			resp.Message = "changes cannot be applied on this server"
		} else if applied, key, err := s.deps.Changes.HandleChange(ctx, s, req); err != nil {
			s.log.Warn("apply change failed", zap.Error(err))
			resp.State = model.ChangeError
			resp.Message = err.Error()
		} else {
			resp.AppliedCount = applied
			resp.NewCheckpointKey = key
		}

		if resp.State == model.ChangeApplied {
			metrics.ChangesApplied.WithLabelValues("applied").Inc()
		} else {
			metrics.ChangesApplied.WithLabelValues("error").Inc()
		}
		s.send(resp)
	}

	select {
	case s.jobs <- job:
	default:
		resp := model.NewChangeResponse(req.Nonce, model.ChangeError)
		resp.Message = "too many changes in flight"
		s.send(resp)
	}
}

// ResolvePendingAttempt records the owner's decision for the attempt with
// nonce. Accepting trusts the key, pairs the socket and tells the browser.
func (s *Socket) ResolvePendingAttempt(ctx context.Context, nonce string, accept bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	key, ok := s.pending[nonce]
	if !ok {
		s.mu.Unlock()
		return ErrAttemptNotFound
	}
	delete(s.pending, nonce)
	s.mu.Unlock()

	l := s.log.With(log.Nonce(nonce), log.Fingerprint(signature.ShortFingerprint(key)))
	if !accept {
		l.Info("pending attempt rejected by owner")
		return nil
	}

	if _, err := s.deps.Trust.Trust(ctx, s.owner, key); err != nil {
		return fmt.Errorf("pairing: trust key: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.remoteKey != nil && !bytes.Equal(s.remoteKey, key) {
		s.mu.Unlock()
		s.replyHello(nonce, model.HelloRejected)
		return ErrAlreadyPaired
	}
	s.acceptLocked(key)
	s.notified = true
	s.mu.Unlock()

	l.Info("pending attempt trusted by owner")
	s.replyHello(nonce, model.HelloTrusted)
	return nil
}

func (s *Socket) handshakeCheck() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.remoteKey == nil {
		s.mu.Unlock()
		s.log.Info("no key accepted before handshake deadline")
		go s.Close(ReasonHandshakeTimeout)
		return
	}
	s.tasks = append(s.tasks, s.deps.Scheduler.Every(s.deps.Policy.CheckInterval, s.idleCheck))
	s.mu.Unlock()
}

func (s *Socket) idleCheck() {
	s.mu.Lock()
	idle := time.Since(s.lastActivity)
	closed := s.state == StateClosed
	s.mu.Unlock()

	if !closed && idle > s.deps.Policy.IdleTimeout {
		s.log.Info("closing idle socket", zap.Duration("idle", idle))
		go s.Close(ReasonIdle)
	}
}

// Close tears the socket down: a best-effort pong{ok:false}, a normal closure
// frame, liveness tasks cancelled and close hooks run. Idempotent.
func (s *Socket) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	attached := s.state != StateConnecting
	s.state = StateClosed
	conn := s.conn
	tasks := s.tasks
	s.tasks = nil
	hooks := s.closeHooks
	s.closeHooks = nil
	s.pending = make(map[string]ed25519.PublicKey)
	s.mu.Unlock()

	close(s.closed)
	for _, t := range tasks {
		t.Cancel()
	}

	if conn != nil {
		if reason != ReasonRemote {
			s.sendOn(conn, model.NewPong(false))
		}
		if err := conn.Close(closeNormal, reason); err != nil {
			s.log.Debug("relay close failed", zap.Error(err))
		}
	}
	if attached {
		metrics.SocketsOpen.Dec()
	}
	metrics.SocketsClosed.WithLabelValues(reason).Inc()
	s.log.Info("pairing socket closed", log.Channel(s.ChannelID()), zap.String("reason", reason))

	for _, h := range hooks {
		h(s)
	}
}

// OnClose registers fn to run once after the socket closes. If it is
// already closed fn runs immediately.
func (s *Socket) OnClose(fn func(*Socket)) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn(s)
		return
	}
	s.closeHooks = append(s.closeHooks, fn)
	s.mu.Unlock()
}

func (s *Socket) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Socket) badFrame(err error) {
	metrics.FramesRejected.WithLabelValues("signature").Inc()

	s.mu.Lock()
	s.badFrames++
	n := s.badFrames
	s.mu.Unlock()

	s.log.Debug("dropping frame with bad signature", zap.Error(err), zap.Int("consecutive", n))
	if n >= s.deps.Policy.MaxBadFrames {
		s.log.Warn("too many consecutive bad frames", zap.Int("count", n))
		go s.Close(ReasonBadFrames)
	}
}

func (s *Socket) reject(reason string, err error) {
	metrics.FramesRejected.WithLabelValues(reason).Inc()
	s.log.Debug("dropping frame", zap.String("reason", reason), zap.Error(err))
}

func (s *Socket) replyHello(nonce string, state model.HelloState) {
	s.sendHelloReply(model.NewHelloReply(nonce, state))
}

func (s *Socket) sendHelloReply(r *model.HelloReply) {
	metrics.HelloReplies.WithLabelValues(string(r.State)).Inc()
	s.send(r)
}

func (s *Socket) send(msg any) {
	s.mu.Lock()
	conn := s.conn
	closed := s.state == StateClosed
	s.mu.Unlock()
	if conn == nil || closed {
		return
	}
	s.sendOn(conn, msg)
}

func (s *Socket) sendOn(conn Transport, msg any) {
	frame, err := EncodeFrame(s.deps.Identity.Private, msg)
	if err != nil {
		s.log.Error("encode frame failed", zap.Error(err))
		return
	}
	if err := conn.Send(frame); err != nil {
		s.log.Debug("send failed", zap.Error(err))
	}
}

func (s *Socket) Owner() model.Principal {
	return s.owner
}

func (s *Socket) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteFingerprint is empty until a browser key is accepted.
func (s *Socket) RemoteFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteKey == nil {
		return ""
	}
	return signature.Fingerprint(s.remoteKey)
}

func (s *Socket) PendingNonces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for n := range s.pending {
		out = append(out, n)
	}
	return out
}

// Done is closed when the socket closes.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}
