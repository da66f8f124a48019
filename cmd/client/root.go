package main

import (
	"web_editor/internal/config"
	"web_editor/internal/model"
	"web_editor/internal/utils/log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	ownerFlag  string

	cfg   *config.Config
	owner model.Principal
)

func Execute() error {
	root := &cobra.Command{
		Use:          "editor",
		Short:        "Pair a browser config editor with this server over a public relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			o, err := model.ParsePrincipal(ownerFlag)
			if err != nil {
				return err
			}
			cfg, owner = c, o

			log.Init(log.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "editor"})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	root.PersistentFlags().BoolVar(&askPassphrase, "ask-passphrase", false, "prompt for the identity passphrase instead of reading IDENTITY_PASSPHRASE")
	root.PersistentFlags().StringVar(&ownerFlag, "owner", "console", `session owner: "console" or a player uuid`)

	root.AddCommand(consoleCmd(), identityCmd(), keysCmd())
	return root.Execute()
}
