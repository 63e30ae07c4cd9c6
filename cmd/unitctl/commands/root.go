package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/unitkernel/pkg/config"
)

// options are the global flags shared by every command.
type options struct {
	configPath  string
	verbose     bool
	jsonOutput  bool
	searchPaths []string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "unitctl",
		Short: "unitctl - load and run kernel units",
		Long: `unitctl hosts a unit-loading microkernel.

Units are discovered from manifest directories (unit.yaml, optionally with
a Starlark or WebAssembly entrypoint) and from the stock catalog:
  - host: values from the host configuration
  - logger: the shared structured logger (#logger)
  - metrics: a Prometheus registry and collectors pipeline (#metrics)
  - memstore, sqlstore: key/value storage (#storage)

Every unit is checked against the admission policies before it is built.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default ./"+config.DefaultFileName+" if present)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVarP(&opts.searchPaths, "path", "p", nil, "manifest search paths (overrides config)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newAnalyzeCommand(opts))
	rootCmd.AddCommand(newUnitsCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))

	return rootCmd
}

// loadConfig loads the host configuration and applies global flags.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if len(o.searchPaths) > 0 {
		cfg.SearchPaths = o.searchPaths
	}
	if o.verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}
