package main

import (
	"github.com/jason-s-yu/quizduel/internal/config"
	"github.com/spf13/cobra"
)

func newCmd() *cobra.Command {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:           "quizduel-server",
		Short:         "Lobby and match synchronization server for two-player quiz duels.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	cfg.RegisterFlags(fs)
	config.BindEnv(fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizduel v{{.Version}}\n")

	return cmd
}
