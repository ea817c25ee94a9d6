package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/agentloop/internal/opsapi"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr      string
		rateLimit float64
		burst     int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only inspection API (health, metrics, journal, breakers, live stream)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			// Cloud Run and Kubernetes send SIGTERM
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{stream: true})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					logger.Error("runtime shutdown failed", "error", err)
				}
			}()

			opts := []opsapi.Option{
				opsapi.WithGatherer(rt.registry),
				opsapi.WithLogger(logger),
				opsapi.WithRateLimit(rateLimit, burst),
			}
			if rt.hub != nil {
				opts = append(opts, opsapi.WithStreamHub(rt.hub))
			}
			srv := opsapi.New(rt.journal, rt.breakers, opts...)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 20, "requests per second per caller; 0 disables")
	cmd.Flags().IntVar(&burst, "burst", 40, "rate limit burst")
	return cmd
}
