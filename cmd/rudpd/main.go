// Command rudpd runs a reliable UDP echo server and a matching probe client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	logLevel string
	logDir   string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "rudpd",
		Short: "Reliable UDP transport server and probe",
		Long: `rudpd serves connections over the reliable UDP transport.

  serve   run an echo server with a Prometheus metrics endpoint
  ping    connect to a server and measure echo round trips`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logDir, "log-dir", "", "Write daily rotated log files to this directory instead of stderr")

	rootCmd.AddCommand(
		serveCmd(&flags),
		pingCmd(&flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rudpd %s (%s)\n", version, commit)
		},
	}
}
