package encryption

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	lowerCost(t)

	blob, err := SealWithPassphrase("hunter2", []byte("identity bytes"))
	require.NoError(t, err)

	pt, err := OpenWithPassphrase("hunter2", blob)
	require.NoError(t, err)
	require.Equal(t, "identity bytes", string(pt))

	_, err = OpenWithPassphrase("wrong", blob)
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestGCM_DetectsTamper(t *testing.T) {
	g, err := newGCM(make([]byte, 32))
	require.NoError(t, err)

	nonce, ct, err := g.seal([]byte("secret"), []byte("aad"))
	require.NoError(t, err)

	pt, err := g.open(nonce, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, "secret", string(pt))

	_, err = g.open(nonce, ct, []byte("other aad"))
	require.Error(t, err)

	ct[len(ct)-1] ^= 0xff
	_, err = g.open(nonce, ct, []byte("aad"))
	require.Error(t, err)

	_, err = g.open([]byte{1, 2}, ct, nil)
	require.ErrorIs(t, err, errShortNonce)

	_, err = newGCM(make([]byte, 16))
	require.Error(t, err)
}

func TestOpen_TamperedEnvelope(t *testing.T) {
	lowerCost(t)

	blob, err := SealWithPassphrase("pw", []byte("identity"))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(blob, &env))
	env.Salt[0] ^= 0x01
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = OpenWithPassphrase("pw", tampered)
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func lowerCost(t *testing.T) {
	t.Helper()
	old := ScryptParams
	ScryptParams.N = 1 << 10
	t.Cleanup(func() { ScryptParams = old })
}
