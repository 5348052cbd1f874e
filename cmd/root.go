// Package cmd holds the cobra command tree for the media-fetcher binary.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/logging"
)

// runtime is built once per invocation by the root command and shared with
// subcommands through the command context.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type runtimeKeyType struct{}

var runtimeKey runtimeKeyType

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "media-fetcher",
		Short: "A content fetch service with admission control and storage governance.",
		Long: `media-fetcher accepts fetch jobs over HTTP, runs them in the background
with bounded concurrency, rate limits callers per client key and keeps the
download root within its age and size budgets.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); env vars use the FETCHER_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

func runtimeFrom(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, fmt.Errorf("command runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}
