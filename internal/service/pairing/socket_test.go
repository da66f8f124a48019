package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/model"
	"web_editor/internal/repository/identity"
	"web_editor/internal/repository/trust"
	"web_editor/internal/service/liveness"
	"web_editor/internal/service/session"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      []string
	closed    bool
	closeCode int
}

func (c *fakeConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

type notes struct {
	mu  sync.Mutex
	got []string
}

func (n *notes) Notify(_ model.Principal, msg string) {
	n.mu.Lock()
	n.got = append(n.got, msg)
	n.mu.Unlock()
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.got...)
}

type changeFunc func(ctx context.Context, s *Socket, req *model.ChangeRequest) (int, string, error)

func (f changeFunc) HandleChange(ctx context.Context, s *Socket, req *model.ChangeRequest) (int, string, error) {
	return f(ctx, s, req)
}

type harness struct {
	t        *testing.T
	sock     *Socket
	conn     *fakeConn
	server   *identity.KeyPair
	trust    *trust.FileStore
	sessions *session.MemoryRegistry
	notes    *notes

	browserPub  ed25519.PublicKey
	browserPriv ed25519.PrivateKey
}

func fastPolicy() Policy {
	return Policy{
		HandshakeTimeout: time.Hour,
		CheckInterval:    time.Hour,
		IdleTimeout:      time.Hour,
		MaxBadFrames:     3,
	}
}

func newHarness(t *testing.T, policy Policy, changes ChangeHandler) *harness {
	return newHarnessWithTrust(t, policy, changes, nil)
}

// newHarnessWithTrust lets wrap replace the trust store the socket sees.
func newHarnessWithTrust(t *testing.T, policy Policy, changes ChangeHandler, wrap func(trust.Store) trust.Store) *harness {
	pub, priv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	bpub, bpriv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)

	ts, err := trust.NewFileStore(filepath.Join(t.TempDir(), "trust.json"))
	require.NoError(t, err)

	sched := liveness.NewScheduler()
	t.Cleanup(sched.Stop)

	h := &harness{
		t:           t,
		conn:        &fakeConn{},
		server:      &identity.KeyPair{Public: pub, Private: priv},
		trust:       ts,
		sessions:    session.NewMemoryRegistry(time.Hour),
		notes:       &notes{},
		browserPub:  bpub,
		browserPriv: bpriv,
	}
	var store trust.Store = ts
	if wrap != nil {
		store = wrap(ts)
	}
	h.sock = NewSocket(model.Console, Deps{
		Identity:  h.server,
		Trust:     store,
		Sessions:  h.sessions,
		Scheduler: sched,
		Notifier:  h.notes,
		Changes:   changes,
		Policy:    policy,
	})
	require.NoError(t, h.sock.Attach("chan-1", h.conn))
	t.Cleanup(func() { h.sock.Close(ReasonShutdown) })
	return h
}

func (h *harness) hello(nonce string, pub ed25519.PublicKey, sessionID string) {
	f, err := EncodeFrame(nil, &model.Hello{
		Type:      model.TypeHello,
		Nonce:     nonce,
		PublicKey: signature.EncodePublicKey(pub),
		SessionID: sessionID,
		Browser:   "Firefox",
	})
	require.NoError(h.t, err)
	h.sock.HandleFrame(f)
}

func (h *harness) signed(msg any) {
	f, err := EncodeFrame(h.browserPriv, msg)
	require.NoError(h.t, err)
	h.sock.HandleFrame(f)
}

// replies decodes every outbound frame, checking each is signed by the server.
func (h *harness) replies() []map[string]any {
	var out []map[string]any
	for _, raw := range h.conn.frames() {
		f, _, err := DecodeFrame(raw)
		require.NoError(h.t, err)
		require.NoError(h.t, VerifyFrame(h.server.Public, f))
		var m map[string]any
		require.NoError(h.t, json.Unmarshal([]byte(f.Msg), &m))
		out = append(out, m)
	}
	return out
}

func (h *harness) waitReply(n int) map[string]any {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.conn.frames()) >= n }, 2*time.Second, time.Millisecond)
	return h.replies()[n-1]
}

// waitClosed waits for the transport to see a normal closure.
func (h *harness) waitClosed() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		closed, _ := h.conn.isClosed()
		return closed
	}, 2*time.Second, time.Millisecond)
	_, code := h.conn.isClosed()
	require.Equal(h.t, 1000, code)
	require.Equal(h.t, StateClosed, h.sock.State())
}

func (h *harness) trustBrowser() {
	_, err := h.trust.Trust(context.Background(), model.Console, h.browserPub)
	require.NoError(h.t, err)
}

func TestHello_InvalidKey(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)

	f, err := EncodeFrame(nil, &model.Hello{Type: model.TypeHello, Nonce: "n1", PublicKey: "!!"})
	require.NoError(t, err)
	h.sock.HandleFrame(f)

	r := h.waitReply(1)
	require.Equal(t, model.TypeHelloReply, r["type"])
	require.Equal(t, "n1", r["nonce"])
	require.Equal(t, string(model.HelloInvalid), r["state"])
	require.Equal(t, StateOpen, h.sock.State())
}

func TestHello_UntrustedUntilOwnerDecides(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)

	for i := 0; i < 3; i++ {
		h.hello("n1", h.browserPub, "")
		r := h.waitReply(i + 1)
		require.Equal(t, string(model.HelloUntrusted), r["state"])
		require.Equal(t, StateUntrustedPending, h.sock.State())
	}
	require.Empty(t, h.sock.RemoteFingerprint())
	require.Contains(t, h.sock.PendingNonces(), "n1")

	msgs := h.notes.all()
	require.NotEmpty(t, msgs)
	require.Contains(t, msgs[0], "trust n1")

	// signed traffic before trust is ignored
	h.signed(&model.Ping{Type: model.TypePing})
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.conn.frames(), 3)

	require.NoError(t, h.sock.ResolvePendingAttempt(context.Background(), "n1", true))
	r := h.waitReply(4)
	require.Equal(t, string(model.HelloTrusted), r["state"])
	require.Equal(t, "n1", r["nonce"])
	require.Equal(t, StateTrusted, h.sock.State())
	require.Equal(t, signature.Fingerprint(h.browserPub), h.sock.RemoteFingerprint())

	ok, err := h.trust.IsTrusted(context.Background(), model.Console, h.browserPub)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, h.sock.ResolvePendingAttempt(context.Background(), "n1", true), ErrAttemptNotFound)

	h.signed(&model.Ping{Type: model.TypePing})
	r = h.waitReply(5)
	require.Equal(t, model.TypePong, r["type"])
	require.Equal(t, true, r["ok"])
}

func TestResolve_Reject(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	require.NoError(t, h.sock.ResolvePendingAttempt(context.Background(), "n1", false))
	require.Empty(t, h.sock.PendingNonces())
	require.NotEqual(t, StateTrusted, h.sock.State())

	ok, err := h.trust.IsTrusted(context.Background(), model.Console, h.browserPub)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, h.conn.frames(), 1)
}

func TestHello_TrustedKeyAcceptedAndNotifiedOnce(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)
	h.trustBrowser()

	h.hello("n1", h.browserPub, "")
	r := h.waitReply(1)
	require.Equal(t, string(model.HelloAccepted), r["state"])
	require.Nil(t, r["reconnected"])
	require.Equal(t, StateTrusted, h.sock.State())

	h.hello("n2", h.browserPub, "")
	r = h.waitReply(2)
	require.Equal(t, string(model.HelloAccepted), r["state"])
	require.Equal(t, true, r["reconnected"])

	require.Len(t, h.notes.all(), 1)
}

func TestHello_DifferentKeyRejectedAfterAccept(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	otherPub, _, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	// even a trusted other key cannot re-key the socket
	_, err = h.trust.Trust(context.Background(), model.Console, otherPub)
	require.NoError(t, err)

	h.hello("n2", otherPub, "")
	r := h.waitReply(2)
	require.Equal(t, string(model.HelloRejected), r["state"])
	require.Equal(t, signature.Fingerprint(h.browserPub), h.sock.RemoteFingerprint())
}

func TestHello_StaleSessionIsInvalid(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)
	h.trustBrowser()
	ctx := context.Background()

	require.NoError(t, h.sessions.AddSession(ctx, &model.Session{ID: "live", Owner: model.Console.String()}))
	require.NoError(t, h.sessions.AddSession(ctx, &model.Session{ID: "done", Owner: "player:x"}))
	require.NoError(t, h.sessions.Complete(ctx, "done"))

	h.hello("n1", h.browserPub, "missing")
	require.Equal(t, string(model.HelloInvalid), h.waitReply(1)["state"])

	h.hello("n2", h.browserPub, "done")
	require.Equal(t, string(model.HelloInvalid), h.waitReply(2)["state"])
	require.Equal(t, StateOpen, h.sock.State())

	h.hello("n3", h.browserPub, "live")
	require.Equal(t, string(model.HelloAccepted), h.waitReply(3)["state"])
}

func TestSignedFrames_BadSignatureDroppedThenClosed(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	_, wrongPriv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	forged, err := EncodeFrame(wrongPriv, &model.Ping{Type: model.TypePing})
	require.NoError(t, err)
	unsigned, err := EncodeFrame(nil, &model.Ping{Type: model.TypePing})
	require.NoError(t, err)

	h.sock.HandleFrame(forged)
	h.sock.HandleFrame(unsigned)
	h.sock.HandleFrame("garbage")
	// a valid frame resets the consecutive counter
	h.signed(&model.Ping{Type: model.TypePing})
	r := h.waitReply(2)
	require.Equal(t, model.TypePong, r["type"])
	require.Equal(t, StateTrusted, h.sock.State())

	for i := 0; i < 3; i++ {
		h.sock.HandleFrame(forged)
	}
	h.waitClosed()
}

func TestSignedFrames_TamperedMessage(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	good, err := EncodeFrame(h.browserPriv, &model.Ping{Type: model.TypePing})
	require.NoError(t, err)
	tampered := strings.Replace(good, `\"ping\"`, `\"ping\" `, 1)
	require.NotEqual(t, good, tampered)

	h.sock.HandleFrame(tampered)
	h.sock.HandleFrame(`{"msg":"{\"type\":\"mystery\"}","signature":"AAAA"}`)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.conn.frames(), 1)
}

func TestChangeRequest_AcceptedThenApplied(t *testing.T) {
	var gotReq *model.ChangeRequest
	h := newHarness(t, fastPolicy(), changeFunc(func(ctx context.Context, s *Socket, req *model.ChangeRequest) (int, string, error) {
		gotReq = req
		return 2, "01CHECKPOINTKEY0000000000A", nil
	}))
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	h.signed(&model.ChangeRequest{Type: model.TypeChangeRequest, Nonce: "c1", Changes: json.RawMessage(`{"a":1}`)})

	r := h.waitReply(2)
	require.Equal(t, model.TypeChangeResponse, r["type"])
	require.Equal(t, string(model.ChangeAccepted), r["state"])

	r = h.waitReply(3)
	require.Equal(t, string(model.ChangeApplied), r["state"])
	require.EqualValues(t, 2, r["appliedCount"])
	require.Equal(t, "01CHECKPOINTKEY0000000000A", r["newCheckpointKey"])
	require.Equal(t, "c1", r["nonce"])
	require.JSONEq(t, `{"a":1}`, string(gotReq.Changes))
}

func TestChangeRequest_ErrorReported(t *testing.T) {
	h := newHarness(t, fastPolicy(), changeFunc(func(context.Context, *Socket, *model.ChangeRequest) (int, string, error) {
		return 0, "", errors.New("bad config")
	}))
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	h.signed(&model.ChangeRequest{Type: model.TypeChangeRequest, Changes: json.RawMessage(`{}`)})
	require.Equal(t, string(model.ChangeAccepted), h.waitReply(2)["state"])
	r := h.waitReply(3)
	require.Equal(t, string(model.ChangeError), r["state"])
	require.Equal(t, "bad config", r["message"])
}

func TestLiveness_NoKeyClosesAfterHandshakeTimeout(t *testing.T) {
	p := fastPolicy()
	p.HandshakeTimeout = 20 * time.Millisecond
	h := newHarness(t, p, nil)

	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	h.waitClosed()
	replies := h.replies()
	last := replies[len(replies)-1]
	require.Equal(t, model.TypePong, last["type"])
	require.Equal(t, false, last["ok"])
}

func TestLiveness_IdleTrustedSocketCloses(t *testing.T) {
	p := Policy{
		HandshakeTimeout: 20 * time.Millisecond,
		CheckInterval:    10 * time.Millisecond,
		IdleTimeout:      60 * time.Millisecond,
	}
	h := newHarness(t, p, nil)
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	h.waitClosed()
}

func TestLiveness_ActiveSocketStaysOpen(t *testing.T) {
	p := Policy{
		HandshakeTimeout: 10 * time.Millisecond,
		CheckInterval:    10 * time.Millisecond,
		IdleTimeout:      80 * time.Millisecond,
	}
	h := newHarness(t, p, nil)
	h.trustBrowser()
	h.hello("n1", h.browserPub, "")
	h.waitReply(1)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.signed(&model.Ping{Type: model.TypePing})
		time.Sleep(15 * time.Millisecond)
		require.Equal(t, StateTrusted, h.sock.State())
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t, fastPolicy(), nil)

	var hooks int
	h.sock.OnClose(func(*Socket) { hooks++ })
	h.sock.Close(ReasonShutdown)
	h.sock.Close(ReasonShutdown)

	require.Equal(t, 1, hooks)
	require.Equal(t, StateClosed, h.sock.State())
	require.ErrorIs(t, h.sock.ResolvePendingAttempt(context.Background(), "x", true), ErrSocketClosed)
	require.Error(t, h.sock.Attach("again", h.conn))

	// frames after close are ignored
	h.signed(&model.Ping{Type: model.TypePing})
	n := len(h.conn.frames())
	time.Sleep(10 * time.Millisecond)
	require.Len(t, h.conn.frames(), n)
}

// gatedTrust blocks IsTrusted for one key until release is closed.
type gatedTrust struct {
	trust.Store
	key     ed25519.PublicKey
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTrust) IsTrusted(ctx context.Context, owner model.Principal, key []byte) (bool, error) {
	if g.key != nil && string(key) == string(g.key) {
		close(g.entered)
		<-g.release
	}
	return g.Store.IsTrusted(ctx, owner, key)
}

func TestHello_OtherKeyDuringTrustLookupIsRejected(t *testing.T) {
	otherPub, _, err := signature.NewEd25519Keypair()
	require.NoError(t, err)

	gate := &gatedTrust{
		key:     otherPub,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarnessWithTrust(t, fastPolicy(), nil, func(s trust.Store) trust.Store {
		gate.Store = s
		return gate
	})

	h.hello("n1", h.browserPub, "")
	require.Equal(t, string(model.HelloUntrusted), h.waitReply(1)["state"])

	// the loop is now parked in the trust lookup for the second key
	h.hello("n2", otherPub, "")
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("trust lookup for the second key never started")
	}

	require.NoError(t, h.sock.ResolvePendingAttempt(context.Background(), "n1", true))
	r := h.waitReply(2)
	require.Equal(t, "n1", r["nonce"])
	require.Equal(t, string(model.HelloTrusted), r["state"])

	close(gate.release)
	r = h.waitReply(3)
	require.Equal(t, "n2", r["nonce"])
	require.Equal(t, string(model.HelloRejected), r["state"])

	require.Equal(t, StateTrusted, h.sock.State())
	require.Equal(t, signature.Fingerprint(h.browserPub), h.sock.RemoteFingerprint())
	require.NotContains(t, h.sock.PendingNonces(), "n2")

	h.signed(&model.Ping{Type: model.TypePing})
	r = h.waitReply(4)
	require.Equal(t, model.TypePong, r["type"])
	require.Equal(t, true, r["ok"])
}
