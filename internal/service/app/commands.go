package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"web_editor/internal/model"
)

var ErrUsage = errors.New("usage")

type (
	// Editor is the operator surface of the editor orchestrator.
	Editor interface {
		Open(ctx context.Context, owner model.Principal) (string, error)
		Trust(ctx context.Context, owner model.Principal, nonce string) error
		Reject(ctx context.Context, owner model.Principal, nonce string) error
		Untrust(ctx context.Context, owner model.Principal, target string) (bool, error)
		ListTrusted(ctx context.Context, owner model.Principal) ([]string, error)
		Apply(ctx context.Context, owner model.Principal, blobKey string) (int, error)
	}

	command struct {
		usage string
		help  string
		args  int
		run   func(ctx context.Context, c *App, args []string) (string, error)
	}
)

var commands = map[string]command{
	"open": {
		usage: "open",
		help:  "start an editor session and print its link",
		run: func(ctx context.Context, c *App, _ []string) (string, error) {
			url, err := c.editor.Open(ctx, c.owner)
			if err != nil {
				return "", err
			}
			return "Open the editor: " + url, nil
		},
	},
	"trust": {
		usage: "trust <nonce>",
		help:  "accept the browser key waiting under nonce",
		args:  1,
		run: func(ctx context.Context, c *App, args []string) (string, error) {
			if err := c.editor.Trust(ctx, c.owner, args[0]); err != nil {
				return "", err
			}
			return "Browser trusted.", nil
		},
	},
	"reject": {
		usage: "reject <nonce>",
		help:  "discard the browser key waiting under nonce",
		args:  1,
		run: func(ctx context.Context, c *App, args []string) (string, error) {
			if err := c.editor.Reject(ctx, c.owner, args[0]); err != nil {
				return "", err
			}
			return "Browser rejected.", nil
		},
	},
	"untrust": {
		usage: "untrust <fingerprint|all>",
		help:  "forget one trusted key, or all of them",
		args:  1,
		run: func(ctx context.Context, c *App, args []string) (string, error) {
			removed, err := c.editor.Untrust(ctx, c.owner, args[0])
			if err != nil {
				return "", err
			}
			if !removed {
				return "Nothing to untrust.", nil
			}
			return "Trust removed.", nil
		},
	},
	"list": {
		usage: "list",
		help:  "show trusted key fingerprints",
		run: func(ctx context.Context, c *App, _ []string) (string, error) {
			fps, err := c.editor.ListTrusted(ctx, c.owner)
			if err != nil {
				return "", err
			}
			if len(fps) == 0 {
				return "No trusted keys.", nil
			}
			return "Trusted keys:\n  " + strings.Join(fps, "\n  "), nil
		},
	},
	"apply": {
		usage: "apply <blobKey>",
		help:  "apply changes stored under blobKey",
		args:  1,
		run: func(ctx context.Context, c *App, args []string) (string, error) {
			n, err := c.editor.Apply(ctx, c.owner, args[0])
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Applied %d change(s).", n), nil
		},
	},
}

// Execute runs one console line and returns what to print.
func (c *App) Execute(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.ToLower(fields[0])
	if name == "help" {
		return helpText(), nil
	}

	cmd, ok := commands[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q, try help", name)
	}
	args := fields[1:]
	if len(args) != cmd.args {
		return "", fmt.Errorf("%w: %s", ErrUsage, cmd.usage)
	}
	return cmd.run(ctx, c, args)
}

func helpText() string {
	order := []string{"open", "trust", "reject", "untrust", "list", "apply"}
	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range order {
		cmd := commands[name]
		fmt.Fprintf(&b, "\n  %-26s %s", cmd.usage, cmd.help)
	}
	return b.String()
}
