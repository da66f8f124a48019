package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

var errShortNonce = errors.New("encryption: nonce has wrong length")

// gcm seals identity envelopes with AES-256-GCM under a derived key.
type gcm struct {
	aead cipher.AEAD
}

func newGCM(key []byte) (*gcm, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption: want a 32-byte key, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &gcm{aead: aead}, nil
}

// seal returns a fresh random nonce and the ciphertext bound to aad.
func (g *gcm) seal(plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, g.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return nonce, g.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (g *gcm) open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != g.aead.NonceSize() {
		return nil, errShortNonce
	}
	return g.aead.Open(nil, nonce, ciphertext, aad)
}
