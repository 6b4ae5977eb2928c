package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Multi-agent orchestrator over codex",
	Long: "maestro runs teams of codex agents: it serves MCP tools to an\n" +
		"operator client on stdio, drives codex children downstream and gives\n" +
		"agents a loopback comms service to talk to each other.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $HOME/.maestro.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
