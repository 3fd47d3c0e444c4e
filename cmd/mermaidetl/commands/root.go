package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reefwatch/mermaidetl"
)

type globalFlags struct {
	config   string
	logLevel string
	pretty   bool
	surveys  []string
}

// NewRootCommand builds the mermaidetl command tree.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "mermaidetl",
		Short:         "mermaidetl loads MERMAID survey observations into a warehouse.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "", "JSON5 config file, merged with <name>.local.<ext> when present.")
	pf.StringVar(&g.logLevel, "log-level", "info", "Minimum log level.")
	pf.BoolVar(&g.pretty, "pretty", false, "Print human friendly logs.")
	pf.StringSliceVar(&g.surveys, "survey", nil, "Survey types to load: fish, coral, photo_quadrat. Repeatable.")

	root.AddCommand(
		newRunCommand(g),
		newProjectsCommand(g),
		newTablesCommand(g),
	)

	return root
}

// ExecuteContext runs the command line and exits non-zero on failure.
func ExecuteContext(ctx context.Context) {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (g *globalFlags) loadConfig() (mermaidetl.Config, error) {
	cfg, err := mermaidetl.LoadConfig(g.config)
	if err != nil {
		return cfg, err
	}
	if len(g.surveys) > 0 {
		cfg.Surveys = g.surveys
	}
	return cfg, nil
}

func (g *globalFlags) options() []mermaidetl.Option {
	opts := []mermaidetl.Option{mermaidetl.WithLogLevel(g.logLevel)}
	if g.pretty {
		opts = append(opts, mermaidetl.WithPrettyLogging())
	}
	return opts
}
