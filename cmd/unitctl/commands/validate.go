package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/unitkernel/pkg/manifest"
	"github.com/openfroyo/unitkernel/pkg/script"
	"github.com/openfroyo/unitkernel/pkg/wasm"
)

type validationResult struct {
	Path   string   `json:"path"`
	Unit   string   `json:"unit,omitempty"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func newValidateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate unit manifests",
		Long: `Validate unit manifests and their Starlark or WebAssembly entrypoints.

A path may be a unit.yaml file or a directory holding unit.yaml or
<unit>/unit.yaml. Without arguments the configured search paths are used.

This command checks:
  - YAML syntax
  - Schema conformance (CUE #Manifest)
  - Field constraints (names, semantic versions, tag references)
  - That each entrypoint loads and defines a factory`,
		Example: `  # Validate the configured search paths
  unitctl validate

  # Validate a directory of units
  unitctl validate ./units

  # Validate one manifest
  unitctl validate ./units/app/unit.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.SearchPaths
			}

			loader, err := manifest.NewLoader()
			if err != nil {
				return err
			}

			var files []string
			for _, p := range paths {
				found, err := manifestPaths(p)
				if err != nil {
					return err
				}
				files = append(files, found...)
			}

			ctx := cmd.Context()
			results := make([]validationResult, 0, len(files))
			invalid := 0
			for _, file := range files {
				res := validationResult{Path: file, Valid: true}
				m, err := loader.LoadFile(file)
				if err == nil {
					res.Unit = m.Name
					_, err = m.Artifact(ctx, manifest.LoadOptions{
						Script: []script.Option{script.WithTimeout(cfg.Timeout)},
						WASM:   []wasm.Option{wasm.WithTimeout(cfg.Timeout)},
					})
				}
				if err != nil {
					res.Valid = false
					res.Errors = errorLines(err)
					invalid++
				}
				results = append(results, res)
			}

			w := cmd.OutOrStdout()
			if opts.jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Valid {
						fmt.Fprintf(w, "ok      %s (%s)\n", r.Path, r.Unit)
						continue
					}
					fmt.Fprintf(w, "invalid %s\n", r.Path)
					for _, msg := range r.Errors {
						fmt.Fprintf(w, "        %s\n", msg)
					}
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d manifest(s) invalid", invalid, len(results))
			}
			if len(results) == 0 {
				return fmt.Errorf("no manifests found")
			}
			return nil
		},
	}

	return cmd
}

// manifestPaths expands a path argument into manifest files.
func manifestPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var out []string
	if _, err := os.Stat(filepath.Join(path, manifest.FileName)); err == nil {
		out = append(out, filepath.Join(path, manifest.FileName))
	}
	nested, err := filepath.Glob(filepath.Join(path, "*", manifest.FileName))
	if err != nil {
		return nil, err
	}
	return append(out, nested...), nil
}

// errorLines flattens schema and joined errors into one message per line.
func errorLines(err error) []string {
	var schemaErrs manifest.SchemaErrors
	if errors.As(err, &schemaErrs) {
		out := make([]string, len(schemaErrs))
		for i, e := range schemaErrs {
			out[i] = e.Message
			if e.Path != "" {
				out[i] = e.Path + ": " + e.Message
			}
		}
		return out
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, errorLines(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
