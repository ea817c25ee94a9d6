package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/agentloop/internal/config"
	"github.com/ocx/agentloop/internal/infra"
	"github.com/ocx/agentloop/internal/journal"
	"github.com/ocx/agentloop/internal/loop"
)

func journalCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect, verify and replay the action journal",
	}
	cmd.AddCommand(journalShowCmd(flags))
	cmd.AddCommand(journalRunsCmd(flags))
	cmd.AddCommand(journalVerifyCmd(flags))
	cmd.AddCommand(journalReplayCmd(flags))
	cmd.AddCommand(journalTailCmd(flags))
	return cmd
}

// withJournal opens the configured store read-side and runs fn.
func withJournal(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, cfg *config.Config, j *journal.Journal) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if cfg.Journal.Driver == "memory" {
		return errors.New("journal.driver is memory: nothing persisted to inspect")
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	j, err := journal.Open(ctx, store)
	if err != nil {
		store.Close()
		return err
	}
	defer j.Close()
	return fn(ctx, cfg, j)
}

func writeEntries(w io.Writer, entries []journal.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func journalShowCmd(flags *globalFlags) *cobra.Command {
	var (
		q     journal.Query
		types []string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range types {
				q.Types = append(q.Types, journal.EventType(t))
			}
			return withJournal(cmd, flags, func(ctx context.Context, _ *config.Config, j *journal.Journal) error {
				entries, err := j.Entries(ctx, q)
				if err != nil {
					return err
				}
				return writeEntries(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().StringVar(&q.RunID, "run", "", "only entries of this run")
	cmd.Flags().StringVar(&q.AgentID, "agent", "", "only entries of this agent")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event types")
	cmd.Flags().Uint64Var(&q.AfterSeq, "after", 0, "only entries after this sequence")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of entries")
	return cmd
}

func journalRunsCmd(flags *globalFlags) *cobra.Command {
	var fromRedis bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromRedis {
				return listIndexedRuns(cmd, flags)
			}
			return withJournal(cmd, flags, func(ctx context.Context, _ *config.Config, j *journal.Journal) error {
				entries, err := j.Entries(ctx, journal.Query{Types: []journal.EventType{journal.EventStarted}})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tAGENT\tSTARTED\tPOLICY")
				for _, e := range entries {
					policy := ""
					if st, ok := e.Event.(journal.Started); ok {
						policy = st.Policy
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.RunID, e.AgentID, e.Timestamp.Format(time.RFC3339), policy)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&fromRedis, "redis", false, "list the run ids indexed by the Redis sink instead")
	return cmd
}

func listIndexedRuns(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	rc := cfg.Journal.Sinks.Redis
	if rc.Addr == "" {
		return errors.New("journal.sinks.redis.addr is not configured")
	}
	adapter, err := infra.NewGoRedisAdapter(cmd.Context(), rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return err
	}
	defer adapter.Close()

	sink := journal.NewRedisSink(adapter, rc.Channel, rc.PerRun)
	runs, err := adapter.Runs(cmd.Context(), sink.RunIndexKey())
	if err != nil {
		return err
	}
	for _, id := range runs {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func journalVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check sequence continuity and the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, flags, func(ctx context.Context, _ *config.Config, j *journal.Journal) error {
				report, err := j.Verify(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Journal is intact: %d entries, last seq %d, head %s\n",
					report.Entries, report.LastSeq, report.LastHash)
				return nil
			})
		},
	}
}

func journalReplayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Rebuild a run's state from its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, flags, func(ctx context.Context, _ *config.Config, j *journal.Journal) error {
				entries, err := j.Run(ctx, args[0])
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					return fmt.Errorf("run %s not found", args[0])
				}
				state, err := loop.Replay(entries)
				if err != nil {
					return err
				}
				out := struct {
					*loop.Result
					Pending int `json:"pending_calls"`
				}{state.Summary(0), len(state.Pending())}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
}

func journalTailCmd(flags *globalFlags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow live entries published by the Redis sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rc := cfg.Journal.Sinks.Redis
			if rc.Addr == "" {
				return errors.New("journal.sinks.redis.addr is not configured")
			}
			sink := journal.NewRedisSink(nil, rc.Channel, rc.PerRun)
			channel := sink.Channel()
			if runID != "" {
				if !rc.PerRun {
					return errors.New("--run needs journal.sinks.redis.per_run")
				}
				channel = sink.RunChannel(runID)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adapter, err := infra.NewGoRedisAdapter(ctx, rc.Addr, rc.Password, rc.DB)
			if err != nil {
				return err
			}
			defer adapter.Close()

			out := cmd.OutOrStdout()
			unsubscribe, err := adapter.Subscribe(ctx, channel, func(msg []byte) {
				fmt.Fprintln(out, string(msg))
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "follow a single run's channel")
	return cmd
}
