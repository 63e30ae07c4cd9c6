package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

type analysisOutput struct {
	Order   []string          `json:"order"`
	Tags    map[string]string `json:"tags"`
	Errors  []string          `json:"errors"`
	Success bool              `json:"success"`
}

func newAnalyzeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [unit...]",
		Short: "Report install order and problems without running anything",
		Long: `Walk the requirements of the named units using only their declared
metadata. No factory runs and nothing is installed.

The report lists the install order, the unit that would own each tag, and
every problem found: unknown units, missing tag providers, conflicting tag
claims and dependency cycles.`,
		Example: `  # Preflight an app
  unitctl analyze app sqlstore

  # Machine-readable report
  unitctl analyze app --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = cfg.Units
			}
			if len(names) == 0 {
				return fmt.Errorf("no units to analyze")
			}

			ctx := cmd.Context()
			h, err := newHost(ctx, cfg)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			a := h.kernel.Analyze(ctx, names...)
			out := analysisOutput{Order: a.Order, Tags: a.Tags, Errors: a.Messages(), Success: a.Success}

			w := cmd.OutOrStdout()
			if opts.jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(w, "Install order:")
				for i, name := range out.Order {
					fmt.Fprintf(w, "  %d. %s\n", i+1, name)
				}
				if len(out.Tags) > 0 {
					fmt.Fprintln(w, "Tags:")
					tags := make([]string, 0, len(out.Tags))
					for tag := range out.Tags {
						tags = append(tags, tag)
					}
					sort.Strings(tags)
					for _, tag := range tags {
						fmt.Fprintf(w, "  %s -> %s\n", tag, out.Tags[tag])
					}
				}
				for _, msg := range out.Errors {
					fmt.Fprintf(w, "error: %s\n", msg)
				}
			}

			if !a.Success {
				return fmt.Errorf("analysis found %d problem(s)", len(a.Errors))
			}
			return nil
		},
	}

	return cmd
}
