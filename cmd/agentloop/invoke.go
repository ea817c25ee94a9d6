package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/config"
	"github.com/ocx/agentloop/internal/policy"
)

// agentConfig resolves the effective config for agentID, the configured
// agent when empty.
func agentConfig(flags *globalFlags, agentID string) (*config.Config, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	manager, err := config.NewManager(cfg, flags.agentsPath)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		agentID = cfg.Agent.ID
	}
	return manager.Get(agentID)
}

func invokeCmd(flags *globalFlags) *cobra.Command {
	var (
		agentID string
		args    string
		runID   string
	)
	cmd := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Run one tool through the enforcement gate outside a run",
		Example: `  agentloop invoke echo --args '{"text":"hi"}'
  agentloop invoke clock --run-id ops-check`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			tool := positional[0]
			if args != "" && !json.Valid([]byte(args)) {
				return fmt.Errorf("--args is not valid JSON: %s", args)
			}
			agentCfg, err := agentConfig(flags, agentID)
			if err != nil {
				return err
			}
			logger, err := newLogger(agentCfg.Logging, os.Stderr)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, agentCfg, logger, runtimeOptions{sinks: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			gate, err := rt.gate(agentCfg)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = "invoke-" + uuid.NewString()
			}
			ictx := action.InvocationContext{
				AgentID:   agentCfg.Agent.ID,
				RunID:     runID,
				CallID:    uuid.NewString(),
				ToolName:  tool,
				Timestamp: time.Now().UTC(),
			}
			if args != "" {
				ictx.Arguments = json.RawMessage(args)
			}

			obs, execErr := gate.ExecuteToolWithEnforcement(ctx, tool, ictx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(obs); err != nil {
				return err
			}
			var blocked *policy.BlockedError
			if errors.As(execErr, &blocked) {
				return fmt.Errorf("tool %s blocked: %s", blocked.Tool, blocked.Reason)
			}
			return execErr
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (defaults to agent.id)")
	cmd.Flags().StringVar(&args, "args", "", "JSON arguments for the tool")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id warnings are journaled under (generated when empty)")
	return cmd
}
