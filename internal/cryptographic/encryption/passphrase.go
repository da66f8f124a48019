package encryption

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	envelopeVersion = 1
	keyLen          = 32
)

var ErrWrongPassphrase = errors.New("encryption: wrong passphrase or corrupted envelope")

type (
	// Envelope is the JSON structure written to disk for passphrase-sealed secrets.
	Envelope struct {
		V      int    `json:"v"`
		Salt   []byte `json:"salt"`
		N      int    `json:"scrypt_N"`
		R      int    `json:"scrypt_r"`
		P      int    `json:"scrypt_p"`
		Nonce  []byte `json:"nonce"`
		Cipher []byte `json:"cipher"`
	}
)

// ScryptParams are the scrypt cost parameters used for new envelopes.
var ScryptParams = struct{ N, R, P int }{N: 1 << 15, R: 8, P: 1}

// SealWithPassphrase derives an AES-256 key from passphrase with scrypt and
// seals plaintext into a JSON envelope. The salt is bound as associated data.
func SealWithPassphrase(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	n, r, p := ScryptParams.N, ScryptParams.R, ScryptParams.P
	g, err := deriveGCM(passphrase, salt, n, r, p)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := g.seal(plaintext, salt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{V: envelopeVersion, Salt: salt, N: n, R: r, P: p, Nonce: nonce, Cipher: ct})
}

func OpenWithPassphrase(passphrase string, blob []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, err
	}
	if env.V > envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	g, err := deriveGCM(passphrase, env.Salt, env.N, env.R, env.P)
	if err != nil {
		return nil, err
	}
	pt, err := g.open(env.Nonce, env.Cipher, env.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func deriveGCM(passphrase string, salt []byte, n, r, p int) (*gcm, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, n, r, p, keyLen)
	if err != nil {
		return nil, err
	}
	return newGCM(key)
}
