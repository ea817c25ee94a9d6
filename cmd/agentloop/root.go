package main

import (
	"github.com/spf13/cobra"

	"github.com/ocx/agentloop/internal/config"
)

const version = "0.1.0"

type globalFlags struct {
	configPath string
	agentsPath string
	envFiles   []string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "agentloop",
		Short:         "Fail-closed agent reasoning loop with a verifiable action journal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML config file (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&flags.agentsPath, "agents", "", "path to the per-agent overrides file")
	cmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files loaded before the config")

	cmd.AddCommand(serveCmd(flags))
	cmd.AddCommand(runCmd(flags))
	cmd.AddCommand(invokeCmd(flags))
	cmd.AddCommand(journalCmd(flags))
	cmd.AddCommand(configCmd(flags))
	cmd.AddCommand(trustCmd(flags))
	return cmd
}

// load reads the .env files and the config file.
func (f *globalFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFiles...); err != nil {
		return nil, err
	}
	return config.LoadConfig(f.configPath)
}
