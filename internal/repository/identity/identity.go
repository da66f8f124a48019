package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"web_editor/internal/cryptographic/encryption"
	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/utils/fsutil"
	"web_editor/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const identityFile = "identity.json.enc"

var ErrWrongPassphrase = encryption.ErrWrongPassphrase

type (
	// KeyPair is the server's long-lived signing identity. It is read-only once
	// returned and may be shared without locking.
	KeyPair struct {
		Public  ed25519.PublicKey
		Private ed25519.PrivateKey
	}

	// FileStore keeps the identity sealed on disk under dir.
	FileStore struct {
		dir        string
		passphrase string

		sf     singleflight.Group
		mu     sync.RWMutex
		cached *KeyPair
	}

	storedIdentity struct {
		Public  []byte `json:"public"`
		Private []byte `json:"private"`
	}
)

func (k *KeyPair) Fingerprint() string {
	return signature.Fingerprint(k.Public)
}

func (k *KeyPair) EncodedPublicKey() string {
	return signature.EncodePublicKey(k.Public)
}

func NewFileStore(dir, passphrase string) *FileStore {
	return &FileStore{dir: dir, passphrase: passphrase}
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, identityFile)
}

// KeyPair loads the identity, generating and persisting one on first use.
// Concurrent first callers share a single load/generate.
func (s *FileStore) KeyPair(ctx context.Context) (*KeyPair, error) {
	s.mu.RLock()
	kp := s.cached
	s.mu.RUnlock()
	if kp != nil {
		return kp, nil
	}

	v, err, _ := s.sf.Do("identity", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kp, err := s.load()
		if err != nil {
			return nil, err
		}
		if kp == nil {
			if kp, err = s.generate(); err != nil {
				return nil, err
			}
		}
		s.mu.Lock()
		s.cached = kp
		s.mu.Unlock()
		return kp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyPair), nil
}

func (s *FileStore) load() (*KeyPair, error) {
	blob, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	raw, err := encryption.OpenWithPassphrase(s.passphrase, blob)
	if err != nil {
		return nil, err
	}
	var st storedIdentity
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(st.Public) != ed25519.PublicKeySize || len(st.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode identity: bad key sizes")
	}
	return &KeyPair{Public: st.Public, Private: st.Private}, nil
}

func (s *FileStore) generate() (*KeyPair, error) {
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(storedIdentity{Public: pub, Private: priv})
	if err != nil {
		return nil, err
	}
	blob, err := encryption.SealWithPassphrase(s.passphrase, raw)
	if err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWriteFile(s.path(), blob, 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}

	kp := &KeyPair{Public: pub, Private: priv}
	log.Info("generated server identity", log.Fingerprint(kp.Fingerprint()), zap.String("path", s.path()))
	return kp, nil
}
