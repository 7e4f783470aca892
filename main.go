package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "futures-agent",
		Short:         "Autonomous Binance USDT-M futures trading agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "config file (.json or .yaml)")

	cmd.AddCommand(
		newRunCmd(opts),
		newLeaderboardCmd(opts),
		newJournalCmd(opts),
		newStateCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}
