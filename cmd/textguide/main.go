package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/textguide/gateway/internal/gateway"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "textguide",
	Short:   "TextGuide gateway - usage and entitlement engine for SMS guidance",
	Long:    `The TextGuide gateway meters inbound texts against monthly quotas, applies Stripe subscription events, handles STOP/START/HELP and tracks per-message costs.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return gateway.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return gateway.Run(cmd.Context(), Version)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fetch missing carrier prices once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := gateway.SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Priced %d message(s)\n", n)
		return nil
	},
}

var lapseCmd = &cobra.Command{
	Use:   "enforce-lapses",
	Short: "Demote accounts whose cancelled subscriptions have run out, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := gateway.EnforceLapses(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Demoted %d account(s)\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "TextGuide gateway %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(lapseCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
