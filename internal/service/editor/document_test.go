package editor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"web_editor/internal/model"

	"github.com/stretchr/testify/require"
)

func TestJSONDocument_SnapshotMissingFile(t *testing.T) {
	d := NewJSONDocument(filepath.Join(t.TempDir(), "config.json"))
	snap, err := d.Snapshot(context.Background(), model.Console)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(snap))
}

func TestJSONDocument_ApplyCountsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"motd":"hi","slots":10,"pvp":true}`), 0o600))
	d := NewJSONDocument(path)
	ctx := context.Background()

	n, err := d.Apply(ctx, model.Console, json.RawMessage(`{"motd":"hello","slots": 10,"pvp":null,"gone":null,"new":[1]}`))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	snap, err := d.Snapshot(ctx, model.Console)
	require.NoError(t, err)
	require.JSONEq(t, `{"motd":"hello","slots":10,"new":[1]}`, string(snap))

	n, err = d.Apply(ctx, model.Console, json.RawMessage(`{"motd":"hello"}`))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestJSONDocument_RejectsNonObject(t *testing.T) {
	d := NewJSONDocument(filepath.Join(t.TempDir(), "config.json"))
	for _, bad := range []string{`[1,2]`, `"x"`, `null`, `nope`} {
		_, err := d.Apply(context.Background(), model.Console, json.RawMessage(bad))
		require.ErrorIs(t, err, ErrNotAnObject, bad)
	}
}
