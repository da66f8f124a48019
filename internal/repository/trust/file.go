package trust

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/model"
	"web_editor/internal/utils/fsutil"
)

type (
	// FileStore keeps trust records in memory and writes every mutation
	// through to a JSON file.
	FileStore struct {
		path string

		mu     sync.RWMutex
		owners map[string]map[string]time.Time // owner -> fingerprint -> trusted at
	}

	fileSnapshot struct {
		Owners map[string]map[string]time.Time `json:"owners"`
	}
)

var _ Store = (*FileStore)(nil)

// NewFileStore loads path if it exists.
func NewFileStore(path string) (*FileStore, error) {
	var snap fileSnapshot
	if _, err := fsutil.ReadJSON(path, &snap); err != nil {
		return nil, fmt.Errorf("load trust store: %w", err)
	}
	if snap.Owners == nil {
		snap.Owners = make(map[string]map[string]time.Time)
	}
	return &FileStore{path: path, owners: snap.Owners}, nil
}

func (s *FileStore) IsTrusted(_ context.Context, owner model.Principal, key []byte) (bool, error) {
	fp := signature.Fingerprint(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.owners[owner.String()][fp]
	return ok, nil
}

func (s *FileStore) Trust(_ context.Context, owner model.Principal, key []byte) (bool, error) {
	fp := signature.Fingerprint(key)
	id := owner.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.owners[id]
	if _, ok := keys[fp]; ok {
		return false, nil
	}
	if keys == nil {
		keys = make(map[string]time.Time)
		s.owners[id] = keys
	}
	keys[fp] = time.Now().UTC()

	if err := s.persist(); err != nil {
		delete(keys, fp)
		return false, err
	}
	return true, nil
}

func (s *FileStore) Untrust(_ context.Context, owner model.Principal, key []byte) (bool, error) {
	id := owner.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.owners[id]
	if len(keys) == 0 {
		return false, nil
	}
	if key == nil {
		delete(s.owners, id)
		if err := s.persist(); err != nil {
			s.owners[id] = keys
			return false, err
		}
		return true, nil
	}
	return s.removeLocked(id, signature.Fingerprint(key))
}

func (s *FileStore) UntrustFingerprint(_ context.Context, owner model.Principal, fp string) (bool, error) {
	id := owner.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	match, err := matchFingerprint(slices.Collect(maps.Keys(s.owners[id])), fp)
	if err != nil || match == "" {
		return false, err
	}
	return s.removeLocked(id, match)
}

func (s *FileStore) ListTrusted(_ context.Context, owner model.Principal) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Collect(maps.Keys(s.owners[owner.String()]))
	slices.Sort(out)
	return out, nil
}

func (s *FileStore) removeLocked(id, fp string) (bool, error) {
	keys := s.owners[id]
	at, ok := keys[fp]
	if !ok {
		return false, nil
	}
	delete(keys, fp)
	if len(keys) == 0 {
		delete(s.owners, id)
	}
	if err := s.persist(); err != nil {
		keys[fp] = at
		s.owners[id] = keys
		return false, err
	}
	return true, nil
}

func (s *FileStore) persist() error {
	return fsutil.WriteJSON(s.path, fileSnapshot{Owners: s.owners}, 0o600)
}
