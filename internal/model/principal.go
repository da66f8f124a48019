package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const consoleID = "console"

var ErrInvalidPrincipal = errors.New("model: invalid principal")

type (
	// Principal is the stable identity of whoever asked for an editor session:
	// the server console or a specific player.
	Principal struct {
		Player uuid.UUID
	}
)

// Console is the server console principal.
var Console = Principal{}

func PlayerPrincipal(id uuid.UUID) Principal {
	return Principal{Player: id}
}

func (p Principal) IsConsole() bool {
	return p.Player == uuid.Nil
}

// String is the persisted form: "console" or "player:<uuid>".
func (p Principal) String() string {
	if p.IsConsole() {
		return consoleID
	}
	return "player:" + p.Player.String()
}

// ParsePrincipal accepts "console", "player:<uuid>" or a bare uuid.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, consoleID) {
		return Console, nil
	}
	s = strings.TrimPrefix(s, "player:")
	id, err := uuid.Parse(s)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidPrincipal, s)
	}
	if id == uuid.Nil {
		return Console, nil
	}
	return PlayerPrincipal(id), nil
}
