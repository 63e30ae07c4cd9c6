package manifest

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaError is one schema violation found in a manifest.
type SchemaError struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// SchemaErrors is returned when a manifest does not match #Manifest.
type SchemaErrors []SchemaError

func (e SchemaErrors) Error() string {
	msgs := make([]string, len(e))
	for i, se := range e {
		if se.Path != "" {
			msgs[i] = se.Path + ": " + se.Message
		} else {
			msgs[i] = se.Message
		}
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

const manifestSchema = `
// Unit manifest schema
#Manifest: {
	// Name is the unit name other units require it by
	name: =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

	// Description is a human-readable summary
	description?: string

	// Version is a semantic version
	version?: =~"^[0-9]+\\.[0-9]+\\.[0-9]+(-[0-9A-Za-z.-]+)?(\\+[0-9A-Za-z.-]+)?$"

	// Requires lists unit names and #tags
	requires?: [...=~"^(#[\\w-]+|[A-Za-z0-9][A-Za-z0-9_.-]*)$"]

	// Provides lists #tags
	provides?: [...=~"^#[\\w-]+$"]

	// Entrypoint is a Starlark script defining factory(unit) or a
	// WebAssembly module exporting factory
	entrypoint?: =~"\\.(star|wasm)$"

	// Config is the static unit configuration
	config?: {...}
}
`

// schema holds the compiled #Manifest definition. A cue.Context is not safe
// for concurrent use, so validation is serialised.
type schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(manifestSchema, cue.Filename("manifest.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Manifest"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up #Manifest: %w", err)
	}
	return &schema{ctx: ctx, def: def}, nil
}

// validate unifies data with #Manifest and requires a concrete result.
func (s *schema) validate(data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	unified := s.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

func convertCUEErrors(err error) SchemaErrors {
	var out SchemaErrors
	for _, e := range errors.Errors(err) {
		out = append(out, SchemaError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}
	if len(out) == 0 {
		out = append(out, SchemaError{Message: err.Error()})
	}
	return out
}
