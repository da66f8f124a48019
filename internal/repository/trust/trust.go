package trust

import (
	"context"
	"errors"

	"web_editor/internal/model"
)

var ErrAmbiguousFingerprint = errors.New("trust: fingerprint prefix matches more than one key")

// Store persists, per owner, the browser key fingerprints that owner trusted.
// All operations are idempotent and safe for concurrent use.
type Store interface {
	IsTrusted(ctx context.Context, owner model.Principal, key []byte) (bool, error)
	// Trust reports whether a new record was added.
	Trust(ctx context.Context, owner model.Principal, key []byte) (bool, error)
	// Untrust removes one key, or every key of owner when key is nil.
	Untrust(ctx context.Context, owner model.Principal, key []byte) (bool, error)
	// UntrustFingerprint removes the key whose fingerprint equals fp or
	// starts with it, when the prefix is unambiguous.
	UntrustFingerprint(ctx context.Context, owner model.Principal, fp string) (bool, error)
	ListTrusted(ctx context.Context, owner model.Principal) ([]string, error)
}

// matchFingerprint resolves fp against the candidates as an exact match or
// a unique prefix.
func matchFingerprint(candidates []string, fp string) (string, error) {
	if fp == "" {
		return "", nil
	}
	var found string
	for _, c := range candidates {
		if c == fp {
			return c, nil
		}
		if len(c) > len(fp) && c[:len(fp)] == fp {
			if found != "" {
				return "", ErrAmbiguousFingerprint
			}
			found = c
		}
	}
	return found, nil
}
