package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"web_editor/internal/model"
	"web_editor/internal/utils/fsutil"
)

var ErrNotAnObject = errors.New("editor: change set must be a JSON object")

type (
	// Snapshotter builds the data section of an editor payload.
	Snapshotter interface {
		Snapshot(ctx context.Context, owner model.Principal) (json.RawMessage, error)
	}

	// Applier applies a change set and reports how many entries it changed.
	Applier interface {
		Apply(ctx context.Context, owner model.Principal, changes json.RawMessage) (int, error)
	}

	// JSONDocument edits a local JSON object file. A change set is an object
	// whose keys replace top-level keys; a null value removes the key.
	JSONDocument struct {
		path string
		mu   sync.Mutex
	}
)

var (
	_ Snapshotter = (*JSONDocument)(nil)
	_ Applier     = (*JSONDocument)(nil)
)

func NewJSONDocument(path string) *JSONDocument {
	return &JSONDocument{path: path}
}

func (d *JSONDocument) Snapshot(_ context.Context, _ model.Principal) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load()
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (d *JSONDocument) Apply(_ context.Context, _ model.Principal, changes json.RawMessage) (int, error) {
	var set map[string]json.RawMessage
	if err := json.Unmarshal(changes, &set); err != nil || set == nil {
		return 0, ErrNotAnObject
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load()
	if err != nil {
		return 0, err
	}

	applied := 0
	for k, v := range set {
		cur, exists := doc[k]
		if isNull(v) {
			if exists {
				delete(doc, k)
				applied++
			}
			continue
		}
		if exists && sameJSON(cur, v) {
			continue
		}
		doc[k] = v
		applied++
	}

	if applied > 0 {
		if err := fsutil.WriteJSON(d.path, doc, 0o600); err != nil {
			return 0, fmt.Errorf("editor: save %s: %w", d.path, err)
		}
	}
	return applied, nil
}

func (d *JSONDocument) load() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if _, err := fsutil.ReadJSON(d.path, &doc); err != nil {
		return nil, fmt.Errorf("editor: load %s: %w", d.path, err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	return doc, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
