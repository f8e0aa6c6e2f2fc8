// Command validations runs the validation pipeline service: the run API,
// the async callback ingress and the queue worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel  string
	pipelines string
	policy    string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "validations",
		Short:         "Validation pipeline service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.pipelines, "pipelines", "", "Pipeline definitions directory (overrides VALIDATIONS_PIPELINES_DIR)")
	cmd.PersistentFlags().StringVar(&flags.policy, "policy", "", "Tenant policy file (overrides VALIDATIONS_TENANT_POLICY)")

	cmd.AddCommand(
		serveCmd(flags),
		workerCmd(flags),
		migrateCmd(flags),
		pipelinesCmd(flags),
	)
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API, callbacks and direct execute endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(flags, func(ctx context.Context, logger *slog.Logger, cfg config) error {
				return serve(ctx, logger, cfg)
			})
		},
	}
}

func workerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued run tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(flags, func(ctx context.Context, logger *slog.Logger, cfg config) error {
				return work(ctx, logger, cfg)
			})
		},
	}
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return migrate(ctx, logger)
		},
	}
}

func pipelinesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Manage pipeline definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Load pipeline definitions from disk into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(flags, func(ctx context.Context, logger *slog.Logger, cfg config) error {
				return syncPipelines(ctx, logger, cfg)
			})
		},
	})
	return cmd
}

func withRuntime(flags *globalFlags, fn func(ctx context.Context, logger *slog.Logger, cfg config) error) error {
	logger := newLogger(flags.logLevel)
	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		return err
	}
	if flags.pipelines != "" {
		cfg.PipelinesDir = flags.pipelines
	}
	if flags.policy != "" {
		cfg.TenantPolicy = flags.policy
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, logger, cfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
