// Command botctl drives a running multisession server over its HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
)

type options struct {
	baseURL string
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "botctl",
		Short:         "Operate bot sessions on a multisession server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("BOTCTL_URL", defaultBaseURL), "server base URL")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newListCmd(opts))
	cmd.AddCommand(newCreateCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newCommandCmd(opts, "start", "Start pairing for a session"))
	cmd.AddCommand(newCommandCmd(opts, "stop", "Stop a session"))
	cmd.AddCommand(newCommandCmd(opts, "restart", "Stop and start a session"))
	cmd.AddCommand(newLogsCmd(opts))
	cmd.AddCommand(newBulkCmd(opts))
	cmd.AddCommand(newMetricsCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "botctl %s (commit: %s)\n", Version, Commit)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
