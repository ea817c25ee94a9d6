package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/ocx/agentloop/internal/config"
)

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and view configuration",
	}
	cmd.AddCommand(configCheckCmd(flags))
	cmd.AddCommand(configShowCmd(flags))
	return cmd
}

func configCheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and every agent override",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if _, err := config.NewManager(cfg, flags.agentsPath); err != nil {
				return err
			}
			if _, err := cfg.LoopSettings(); err != nil {
				return fmt.Errorf("loop: %w", err)
			}
			path := flags.configPath
			if path == "" {
				path = "(defaults)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config at %s is valid.\n", path)
			return nil
		},
	}
}

func configShowCmd(flags *globalFlags) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration for an agent (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			manager, err := config.NewManager(cfg, flags.agentsPath)
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.Agent.ID
			}
			effective, err := manager.Get(agentID)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(redact(*effective))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (defaults to agent.id)")
	return cmd
}

// redact masks credentials in a copy of cfg.
func redact(cfg config.Config) config.Config {
	if cfg.Journal.DSN != "" && cfg.Journal.Driver == "postgres" {
		cfg.Journal.DSN = "***"
	}
	if cfg.Journal.Sinks.Redis.Password != "" {
		cfg.Journal.Sinks.Redis.Password = "***"
	}
	return cfg
}
