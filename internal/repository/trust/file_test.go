package trust

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	pub, _, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	return pub
}

func TestFileStore_TrustIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "trust.json"))
	require.NoError(t, err)

	key := newKey(t)

	changed, err := s.Trust(ctx, model.Console, key)
	require.NoError(t, err)
	require.True(t, changed)
	ok, err := s.IsTrusted(ctx, model.Console, key)
	require.NoError(t, err)
	require.True(t, ok)

	changed, err = s.Trust(ctx, model.Console, key)
	require.NoError(t, err)
	require.False(t, changed)
	ok, err = s.IsTrusted(ctx, model.Console, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFileStore_OwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "trust.json"))
	require.NoError(t, err)

	player := model.PlayerPrincipal(uuid.New())
	key := newKey(t)

	_, err = s.Trust(ctx, player, key)
	require.NoError(t, err)

	ok, err := s.IsTrusted(ctx, model.Console, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStore_UntrustAllAndOne(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trust.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	k1, k2, k3 := newKey(t), newKey(t), newKey(t)
	for _, k := range [][]byte{k1, k2, k3} {
		_, err := s.Trust(ctx, model.Console, k)
		require.NoError(t, err)
	}

	removed, err := s.Untrust(ctx, model.Console, k1)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.Untrust(ctx, model.Console, k1)
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = s.UntrustFingerprint(ctx, model.Console, signature.ShortFingerprint(k2))
	require.NoError(t, err)
	require.True(t, removed)

	list, err := s.ListTrusted(ctx, model.Console)
	require.NoError(t, err)
	require.Equal(t, []string{signature.Fingerprint(k3)}, list)

	removed, err = s.Untrust(ctx, model.Console, nil)
	require.NoError(t, err)
	require.True(t, removed)
	list, err = s.ListTrusted(ctx, model.Console)
	require.NoError(t, err)
	require.Empty(t, list)

	removed, err = s.Untrust(ctx, model.Console, nil)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestFileStore_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trust.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	key := newKey(t)
	_, err = s.Trust(ctx, model.Console, key)
	require.NoError(t, err)

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	ok, err := reloaded.IsTrusted(ctx, model.Console, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFileStore_ConcurrentTrust(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "trust.json"))
	require.NoError(t, err)

	key := newKey(t)
	var wg sync.WaitGroup
	changes := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.Trust(ctx, model.Console, key)
			if err == nil {
				changes <- changed
			}
		}()
	}
	wg.Wait()
	close(changes)

	n := 0
	for c := range changes {
		if c {
			n++
		}
	}
	require.Equal(t, 1, n)
}

func TestMatchFingerprint(t *testing.T) {
	cands := []string{"abc123", "abd456"}

	m, err := matchFingerprint(cands, "abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123", m)

	m, err = matchFingerprint(cands, "abd")
	require.NoError(t, err)
	require.Equal(t, "abd456", m)

	_, err = matchFingerprint(cands, "ab")
	require.ErrorIs(t, err, ErrAmbiguousFingerprint)

	m, err = matchFingerprint(cands, "zz")
	require.NoError(t, err)
	require.Empty(t, m)
}
