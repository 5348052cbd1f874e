package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-fetcher/internal/server"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print usage statistics for the download root as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			gov, err := server.NewStorageGovernor(rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			stats, err := gov.Stats()
			if err != nil {
				return fmt.Errorf("storage stats: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}
