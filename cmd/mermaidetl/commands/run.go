package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/reefwatch/mermaidetl"
)

func newRunCommand(g *globalFlags) *cobra.Command {
	var (
		projects     []string
		otlpEndpoint string
		allowPartial bool
	)

	cmd := &cobra.Command{
		Use:   "run [--project <id>]... [--survey <type>]...",
		Short: "Extracts every selected project and survey type and upserts the rows.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := g.loadConfig()
			if err != nil {
				return xerrors.Errorf("failed to read config: %w", err)
			}
			if len(projects) > 0 {
				cfg.ProjectIDs = projects
			}
			if err := cfg.Validate(); err != nil {
				return xerrors.Errorf("invalid config: %w", err)
			}

			if otlpEndpoint != "" {
				shutdown, err := setupTracing(ctx, otlpEndpoint)
				if err != nil {
					return err
				}
				defer func() { _ = shutdown(ctx) }()
			}

			res, err := mermaidetl.Run(ctx, cfg, g.options()...)
			if res != nil {
				fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
				for _, u := range res.Failed() {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", u.Unit, u.Err)
				}
			}
			if err != nil {
				return err
			}

			switch res.Status {
			case mermaidetl.StatusSuccess:
				return nil
			case mermaidetl.StatusDegraded:
				if allowPartial {
					return nil
				}
			}
			return xerrors.Errorf("run %s finished with status %s", res.RunID, res.Status)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&projects, "project", nil, "Project IDs to load instead of discovering them by tag. Repeatable.")
	f.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint URL receiving traces.")
	f.BoolVar(&allowPartial, "allow-partial", false, "Exit zero when only some units failed.")

	return cmd
}
