package main

import (
	"fmt"
	"os"

	"github.com/encabox/encabox/cmd/boxctl/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "boxctl",
	Short:         "encabox escrow ledger tool",
	Long:          "Run ledger scenarios, inspect units, and read the event journal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.SetupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.encabox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&commands.OutputFormat, "output", "", "Output format: \"\" (auto), \"json\", \"plain\"")
	rootCmd.PersistentFlags().StringVar(&commands.LogLevel, "log-level", "warn", "Log level")
}

func main() {
	rootCmd.AddCommand(commands.NewRunCmd())
	rootCmd.AddCommand(commands.NewInspectCmd())
	rootCmd.AddCommand(commands.NewBalanceCmd())
	rootCmd.AddCommand(commands.NewEventsCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
