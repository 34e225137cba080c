// Package commands provides the gputop command line.
package commands

import (
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skobkin/gputop/internal/app"
	"github.com/skobkin/gputop/internal/config"
	"github.com/skobkin/gputop/internal/version"
)

var runApp = app.Run

// NewRootCmd creates the root command. GPUTOP_* variables are read before
// the flags are bound, so flags win over the environment.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cfg, envErr := config.Load()

	root := &cobra.Command{
		Use:   "gputop",
		Short: "Per-process NVIDIA GPU usage with user and container attribution",
		Long: `gputop reads NVIDIA GPUs through NVML or nvidia-smi and attributes every
GPU process to its owning user and, optionally, its container.

Without --interval a single snapshot is printed. With --interval the
snapshot is refreshed until interrupted (Ctrl+C).

Example:
  gputop
  gputop -n 2s --containers
  gputop -f json -o /var/tmp/gputop.json.zst --textfile /var/lib/node_exporter/gputop.prom`,
		Version:       version.Current().String(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runApp(ctx, logger, cfg, stdout)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("{{.Version}}\n")

	cfg.AddAllFlags(root)

	return root
}
