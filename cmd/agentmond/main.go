package main

import (
	"os"

	"github.com/grovetools/agentmon/cmd"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "agentmond",
		Short:        "Agent session monitor daemon",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cmd.NewStartCmd())
	rootCmd.AddCommand(cmd.NewStopCmd())
	rootCmd.AddCommand(cmd.NewStatusCmd())
	rootCmd.AddCommand(cmd.NewEmitCmd())
	rootCmd.AddCommand(cmd.NewSessionsCmd())
	rootCmd.AddCommand(cmd.NewPathsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
