package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/encabox/encabox/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath string
		seedPath   string
	)
	root := &cobra.Command{
		Use:   "boxd",
		Short: "Serve the escrow box ledger",
		Long: `boxd rebuilds the escrow ledger from its journal and serves read-only
queries, Prometheus metrics and a WebSocket event stream over HTTP.

With --seed, a scenario file is run into an empty journal first and the
resulting ledger is served.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, seedPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Config file (default ~/.encabox/config.yaml)")
	root.Flags().StringVar(&seedPath, "seed", "", "Run this single-scenario file into an empty journal before serving")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
