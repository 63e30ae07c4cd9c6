package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/unitkernel/pkg/kernel"
	"github.com/openfroyo/unitkernel/pkg/script"
	"github.com/openfroyo/unitkernel/pkg/wasm"
)

// FileName is the manifest file looked for in unit directories.
const FileName = "unit.yaml"

// Manifest describes a unit on disk.
type Manifest struct {
	// Name is the unit name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Description is a human-readable summary.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is an optional semantic version.
	Version string `yaml:"version,omitempty" json:"version,omitempty" validate:"omitempty,semver"`

	// Requires lists unit names and #tags.
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`

	// Provides lists #tags.
	Provides []string `yaml:"provides,omitempty" json:"provides,omitempty"`

	// Entrypoint is a Starlark script or WebAssembly module relative to the
	// manifest directory.
	Entrypoint string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty" validate:"omitempty,endswith=.star|endswith=.wasm"`

	// Config is the static unit configuration in declaration order.
	Config *kernel.Record `yaml:"-" json:"-"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-" json:"path"`

	config yaml.Node
}

// Info returns the artifact metadata declared by the manifest.
func (m *Manifest) Info() *kernel.Info {
	return &kernel.Info{
		Description: m.Description,
		Version:     m.Version,
		Requires:    append([]string(nil), m.Requires...),
		Provides:    append([]string(nil), m.Provides...),
	}
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return filepath.Dir(m.Path)
}

// EntrypointPath returns the absolute script path, or "" without one.
func (m *Manifest) EntrypointPath() string {
	if m.Entrypoint == "" {
		return ""
	}
	if filepath.IsAbs(m.Entrypoint) {
		return m.Entrypoint
	}
	return filepath.Join(m.Dir(), m.Entrypoint)
}

// LoadOptions configure how entrypoints are loaded.
type LoadOptions struct {
	Script []script.Option
	WASM   []wasm.Option
}

// Artifact builds the kernel artifact for the manifest. With an entrypoint
// the script or module supplies the factory and receives the static
// configuration (the Starlark global config, or the config member of a
// module's request); otherwise the factory returns the static configuration.
func (m *Manifest) Artifact(ctx context.Context, opts LoadOptions) (*kernel.Artifact, error) {
	a := &kernel.Artifact{Info: m.Info()}

	switch filepath.Ext(m.Entrypoint) {
	case "":
		config := m.Config
		a.Factory = func(context.Context, *kernel.UnitContext) (*kernel.Record, error) {
			return config.Clone(), nil
		}

	case ".wasm":
		wopts := append([]wasm.Option{wasm.WithConfig(m.Config.Map())}, opts.WASM...)
		mod, err := wasm.LoadFile(ctx, m.EntrypointPath(), wopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load entrypoint of %s: %w", m.Name, err)
		}
		a.Factory = mod.Factory()

	default:
		sopts := append([]script.Option{script.WithGlobals(map[string]any{"config": m.Config.Map()})}, opts.Script...)
		s, err := script.LoadFile(ctx, m.EntrypointPath(), sopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load entrypoint of %s: %w", m.Name, err)
		}
		a.Factory = s.Factory()
	}
	return a, nil
}

// Loader parses and validates manifests.
type Loader struct {
	schema   *schema
	validate *validator.Validate
}

// NewLoader creates a loader with the built-in #Manifest schema.
func NewLoader() (*Loader, error) {
	s, err := newSchema()
	if err != nil {
		return nil, err
	}
	return &Loader{schema: s, validate: validator.New()}, nil
}

// LoadFile loads a manifest from a YAML file and checks that its
// entrypoint exists.
func (l *Loader) LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}

	m, err := l.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = abs

	if ep := m.EntrypointPath(); ep != "" {
		if _, err := os.Stat(ep); err != nil {
			return nil, fmt.Errorf("%s: entrypoint not found: %w", path, err)
		}
	}
	return m, nil
}

// LoadBytes parses and validates manifest YAML.
func (l *Loader) LoadBytes(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("manifest is empty")
	}
	if err := l.schema.validate(raw); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := l.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	config, err := nodeRecord(&m.config)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m.Config = config
	return &m, nil
}

// UnmarshalYAML decodes the manifest keeping config as a node so that its
// key order survives.
func (m *Manifest) UnmarshalYAML(value *yaml.Node) error {
	type plain Manifest
	var p struct {
		plain  `yaml:",inline"`
		Config yaml.Node `yaml:"config"`
	}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = Manifest(p.plain)
	m.config = p.Config
	return nil
}

// nodeRecord converts a YAML mapping into a record in document order.
func nodeRecord(n *yaml.Node) (*kernel.Record, error) {
	rec := kernel.NewRecord()
	switch n.Kind {
	case 0:
		return rec, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return rec, nil
		}
		return nodeRecord(n.Content[0])
	case yaml.AliasNode:
		return nodeRecord(n.Alias)
	case yaml.MappingNode:
	default:
		if n.Tag == "!!null" {
			return rec, nil
		}
		return nil, fmt.Errorf("line %d: expected a mapping", n.Line)
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		v, err := nodeValue(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		rec.Set(key, v)
	}
	return rec, nil
}

func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		return nodeRecord(n)
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, len(n.Content))
		for i, item := range n.Content {
			v, err := nodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
