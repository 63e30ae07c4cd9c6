package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// unitRow is one line of unit listings.
type unitRow struct {
	Name     string   `json:"name"`
	Source   string   `json:"source"`
	Version  string   `json:"version,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Provides []string `json:"provides,omitempty"`
}

func newUnitsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List the units that can be loaded",
		Long: `List every unit known to unitctl: manifests found under the search
paths and the stock catalog. A manifest shadows a stock unit of the same
name. Invalid manifests are reported and skipped.`,
		Example: `  # List units
  unitctl units

  # List units from another directory
  unitctl units -p ./examples/units --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			h, err := newHost(ctx, cfg)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			manifests, scanErr := h.source.Scan()
			if scanErr != nil {
				h.logger.Warn().Err(scanErr).Msg("Some manifests could not be loaded")
			}

			seen := make(map[string]bool)
			var rows []unitRow
			for _, m := range manifests {
				seen[m.Name] = true
				rows = append(rows, rowFor(m.Name, m.Path, *m.Info()))
			}
			for _, name := range h.stock.Names() {
				if seen[name] {
					continue
				}
				info, _ := h.stock.Info(name)
				rows = append(rows, rowFor(name, "stock", info))
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

			return printUnits(cmd.OutOrStdout(), opts.jsonOutput, rows)
		},
	}

	return cmd
}

func rowFor(name, source string, info kernel.Info) unitRow {
	return unitRow{
		Name:     name,
		Source:   source,
		Version:  info.Version,
		Requires: info.Requires,
		Provides: info.Provides,
	}
}

// installedRows lists the units of k in install order.
func installedRows(k *kernel.Kernel) []unitRow {
	installed := k.Units()
	rows := make([]unitRow, 0, len(installed))
	for _, u := range installed {
		info := u.Info()
		rows = append(rows, unitRow{
			Name:     u.Name(),
			Source:   u.Locator(),
			Version:  info.Version,
			Requires: u.Requires(),
			Provides: u.Provides(),
		})
	}
	return rows
}

func printUnits(w io.Writer, jsonOutput bool, rows []unitRow) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tPROVIDES\tREQUIRES\tSOURCE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Name, dash(r.Version), dash(strings.Join(r.Provides, ",")), dash(strings.Join(r.Requires, ",")), r.Source)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
