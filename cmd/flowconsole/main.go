// Package main is the entry point for the flowconsole operator console and
// its command-line client.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "flowconsole"
)

var (
	// Global flags
	configPath string
	serverURL  string
	token      string
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         "Operator console for UI automation flows",
		Long:          "Author, run, record and repair UI automation flows executed by a remote engine",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Console API URL (client commands)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "API token (client commands)")

	rootCmd.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newHashPasswordCmd(),
		newLoginCmd(),
		newHealthCmd(),
		newStateCmd(),
		newFlowCmd(),
		newRunCmd(),
		newControlCmd("pause", "Pause the running flow"),
		newControlCmd("resume", "Resume a paused flow"),
		newControlCmd("stop", "Stop the running flow"),
		newInitializeCmd(),
		newRecordCmd(),
		newProductsCmd(),
		newDebugCmd(),
		newLogsCmd(),
		newScheduleCmd(),
	)
	return rootCmd
}
