package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestParsePrincipal(t *testing.T) {
	p, err := ParsePrincipal("console")
	require.NoError(t, err)
	require.True(t, p.IsConsole())
	require.Equal(t, "console", p.String())

	id := uuid.New()
	for _, in := range []string{id.String(), "player:" + id.String()} {
		p, err := ParsePrincipal(in)
		require.NoError(t, err)
		require.False(t, p.IsConsole())
		require.Equal(t, "player:"+id.String(), p.String())
	}

	_, err = ParsePrincipal("player:nope")
	require.ErrorIs(t, err, ErrInvalidPrincipal)
}
