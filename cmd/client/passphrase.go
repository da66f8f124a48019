package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"web_editor/internal/repository/identity"

	"golang.org/x/term"
)

var askPassphrase bool

// identityStore opens the server identity, prompting for the passphrase on
// the terminal when --ask-passphrase is set.
func identityStore() (*identity.FileStore, error) {
	passphrase := cfg.Identity.Passphrase
	if askPassphrase {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return nil, errors.New("--ask-passphrase needs an interactive terminal")
		}
		fmt.Fprint(os.Stderr, "Identity passphrase: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		passphrase = string(b)
	}
	return identity.NewFileStore(cfg.Identity.Dir, passphrase), nil
}
