package main

import (
	"context"
	"fmt"

	"web_editor/internal/service/editor"

	"github.com/spf13/cobra"
)

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the server key fingerprint, creating the identity if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := identityStore()
			if err != nil {
				return err
			}
			kp, err := keys.KeyPair(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\nPublic key:  %s\n", kp.Fingerprint(), kp.EncodedPublicKey())
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage trusted browser keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trusted key fingerprints for --owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(o *editor.Orchestrator) error {
				fps, err := o.ListTrusted(cmd.Context(), owner)
				if err != nil {
					return err
				}
				if len(fps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No trusted keys.")
					return nil
				}
				for _, fp := range fps {
					fmt.Fprintln(cmd.OutOrStdout(), fp)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "untrust <fingerprint|all>",
		Short: "Forget one trusted key (or a unique prefix of it), or all keys of --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(o *editor.Orchestrator) error {
				removed, err := o.Untrust(cmd.Context(), owner, args[0])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to untrust.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Trust removed.")
				return nil
			})
		},
	})
	return cmd
}

// withOrchestrator runs fn against an offline orchestrator that only has
// the configured stores.
func withOrchestrator(ctx context.Context, fn func(o *editor.Orchestrator) error) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	o := editor.NewOrchestrator(editor.Config{EditorBaseURL: cfg.Editor.BaseURL}, editor.Deps{
		Trust:    b.trust,
		Sessions: b.sessions,
	})
	return fn(o)
}
