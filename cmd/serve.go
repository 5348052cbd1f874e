package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-fetcher/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service with the job orchestrator and governors.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
