// Package cmd contains the fleetgate CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetgate",
		Short: "Device gateway for remotely connected endpoint agents",
		Long: "fleetgate operates a fleet of endpoint agents over persistent WebSocket\n" +
			"connections and exposes synchronous HTTP operations fulfilled by\n" +
			"asynchronous message exchange with the target device.",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (JSON5)")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fleetgate", Version)
		},
	}
}

// Execute runs the CLI.
func Execute() {
	setupLogging()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("FLEETGATE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
