package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/reefwatch/mermaidetl"
)

func newProjectsCommand(g *globalFlags) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "projects [--tag <tag>]",
		Short: "Lists the IDs of the projects a run would load.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return xerrors.Errorf("failed to read config: %w", err)
			}
			if cmd.Flags().Changed("tag") {
				cfg.Tag = tag
			}

			client := mermaidetl.NewClient(cfg.ClientConfig())
			ids, err := client.ListProjects(cmd.Context(), cfg.Tag)
			if err != nil {
				return err
			}

			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "Project tag, overriding the config.")

	return cmd
}
