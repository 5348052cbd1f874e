package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-fetcher/internal/server"
)

func newCleanupCmd() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one storage cleanup pass and print the report as JSON.",
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
			report, err := gov.RunCleanup(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			if summary {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d files, freed %s, %s remaining\n",
					report.TotalDeleted(),
					humanize.Bytes(uint64(report.TotalFreed())),
					humanize.Bytes(uint64(report.ResidualBytes)),
				)
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print a one-line human readable summary instead of JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
