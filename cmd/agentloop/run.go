package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ocx/agentloop/internal/inference"
	"github.com/ocx/agentloop/internal/loop"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		scriptPath string
		agentID    string
		message    string
		runID      string
		resume     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive one run against a scripted inference backend and print the result",
		Example: `  agentloop run --script demo.yaml --message "what time is it?"
  agentloop run --script demo.yaml --resume 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scriptPath == "" {
				return errors.New("--script is required")
			}
			if resume == "" && message == "" {
				return errors.New("--message is required unless --resume is given")
			}

			agentCfg, err := agentConfig(flags, agentID)
			if err != nil {
				return err
			}
			logger, err := newLogger(agentCfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			backend, err := inference.LoadScript(scriptPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, agentCfg, logger, runtimeOptions{sinks: true})
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			runner, err := rt.runner(agentCfg, backend)
			if err != nil {
				return err
			}

			var res *loop.Result
			if resume != "" {
				res, err = runner.Resume(ctx, resume, rt.toolSpecs())
			} else {
				res, err = runner.Run(ctx, loop.RunInput{
					RunID:        runID,
					AgentID:      agentCfg.Agent.ID,
					SystemPrompt: agentCfg.Agent.SystemPrompt,
					UserMessage:  message,
					Tools:        rt.toolSpecs(),
				})
			}
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if res.Status == loop.StatusFailed {
				return fmt.Errorf("run %s failed: %s", res.RunID, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "YAML script of inference responses")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (defaults to agent.id)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "user message opening the run")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume an interrupted run from the journal")
	return cmd
}
