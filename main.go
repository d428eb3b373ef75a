// Command chatpool runs the multi-tenant live chat service.
// The serve command (the default):
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Builds the upstream chat provider (YouTube or Twitch) and the session pool.
//   - Starts the auto-watch scheduler, fanout to websocket subscribers (mirrored
//     through Redis when configured) and the HTTP API.
//
// Shutdown is graceful on SIGINT/SIGTERM: every running session is finalized
// before the process exits.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatpool/config"
)

const serviceName = "chatpool"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Multi-tenant live chat connection pool",
		Long:         "chatpool keeps one upstream live chat connection per tenant, probes auto-watch channels for broadcasts and fans messages out to dashboards and overlays.",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	rootCmd.AddCommand(serve, newMigrateCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// setup loads configuration and installs the default logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", cfg.SlogLevel().String()), slog.String("format", cfg.LogFormat))
	return cfg, nil
}
