package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/agentloop/internal/trust"
	exchange "github.com/ocx/agentloop/pkg/trust"
)

func trustCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Query and publish tool verification records on the trust exchange",
	}
	cmd.AddCommand(trustGetCmd(flags))
	cmd.AddCommand(trustSetCmd(flags))
	return cmd
}

func exchangeClient(flags *globalFlags) (*exchange.Client, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	if cfg.Trust.URL == "" {
		return nil, errors.New("trust.url is not configured")
	}
	return exchange.NewClient(exchange.Config{
		ExchangeURL: cfg.Trust.URL,
		AgentID:     cfg.Agent.ID,
		Timeout:     cfg.Trust.Timeout,
	}), nil
}

func trustGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tool>",
		Short: "Show a tool's current verification status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := exchangeClient(flags)
			if err != nil {
				return err
			}
			status, err := trust.NewHTTPAnchorFromClient(client).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := trust.MarshalStatus(status)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func trustSetCmd(flags *globalFlags) *cobra.Command {
	var rec trust.StatusRecord
	cmd := &cobra.Command{
		Use:   "set <tool>",
		Short: "Publish a verification record for a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.At.IsZero() {
				rec.At = time.Now().UTC()
			}
			if _, err := rec.ToStatus(); err != nil {
				return err
			}
			client, err := exchangeClient(flags)
			if err != nil {
				return err
			}
			v := exchange.Verification{Status: rec.Status, Result: rec.Result, Reason: rec.Reason, At: rec.At}
			if err := client.Publish(cmd.Context(), args[0], v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s for %s\n", rec.Status, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&rec.Status, "status", "", "verified, failed, pending or skipped")
	cmd.Flags().StringVar(&rec.Result, "result", "", "verification result (verified)")
	cmd.Flags().StringVar(&rec.Reason, "reason", "", "failure or skip reason")
	cmd.MarkFlagRequired("status")
	return cmd
}
