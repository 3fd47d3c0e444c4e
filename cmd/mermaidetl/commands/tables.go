package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/reefwatch/mermaidetl"
)

func newTablesCommand(g *globalFlags) *cobra.Command {
	var driver string

	cmd := &cobra.Command{
		Use:   "tables [--driver postgres|sqlite|bigquery]",
		Short: "Prints the DDL of the destination tables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return xerrors.Errorf("failed to read config: %w", err)
			}
			if driver == "" {
				driver = cfg.Destination.Driver
			}

			surveys, err := cfg.SurveyTypes()
			if err != nil {
				return err
			}

			ddl := func(t *mermaidetl.Table) string {
				d, _ := mermaidetl.DialectFor(driver)
				return mermaidetl.CreateTableSQL(d, t)
			}
			if strings.EqualFold(driver, "bigquery") {
				ddl = func(t *mermaidetl.Table) string {
					return mermaidetl.BigQueryDDL(cfg.Destination.Project, t)
				}
			} else if _, err := mermaidetl.DialectFor(driver); err != nil {
				return err
			}

			for _, s := range surveys {
				m, err := s.Mapping()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "-- %s\n%s;\n\n", s, ddl(m.Table(cfg.Destination.Schema)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "Destination driver, overriding the config.")

	return cmd
}
