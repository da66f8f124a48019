package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ProtocolVersion is advertised in the editor payload so the browser can
// refuse a server speaking an incompatible frame format.
const ProtocolVersion = 1

var ErrInvalidKeyEncoding = errors.New("signature: invalid public key encoding")

func NewEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// ED25519Verify reports whether sig is a valid signature of message by pubKey.
// A malformed key or signature verifies as false.
func ED25519Verify(pubKey ed25519.PublicKey, message []byte, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, message, sig)
}

// ParsePublicKey decodes a standard base64 ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	if encoded == "" {
		return nil, ErrInvalidKeyEncoding
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKeyEncoding, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func DecodeSignature(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// Fingerprint returns the hex SHA-256 of the raw public key bytes.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint is the first 20 hex chars of Fingerprint, for display.
func ShortFingerprint(pub []byte) string {
	return Fingerprint(pub)[:20]
}
