package kernel

import (
	"context"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Unit-local binding names. They shadow shared context keys of the same name.
const (
	BindingLogger   = "logger"
	BindingValidate = "validate"
	BindingImport   = "import"
	BindingUnit     = "unit"
)

// UnitContext is the view a unit's factory receives. Reads check unit-local
// bindings first and fall back to the shared context. There is no write
// path: units publish values only through define.
type UnitContext struct {
	name     string
	local    map[string]any
	shared   View
	logger   zerolog.Logger
	validate *validator.Validate
	importer Importer
}

func newUnitContext(name string, shared View, logger zerolog.Logger, v *validator.Validate, importer Importer) *UnitContext {
	uc := &UnitContext{
		name:     name,
		shared:   shared,
		logger:   logger.With().Str("unit", name).Logger(),
		validate: v,
		importer: importer,
	}
	uc.local = map[string]any{
		BindingLogger:   uc.logger,
		BindingValidate: uc.Validate,
		BindingImport:   uc.Import,
		BindingUnit:     name,
	}
	return uc
}

// Name returns the unit name.
func (c *UnitContext) Name() string { return c.name }

// Get returns a unit-local binding or a shared context value.
func (c *UnitContext) Get(key string) (any, bool) {
	if v, ok := c.local[key]; ok {
		return v, true
	}
	return c.shared.Get(key)
}

// Keys returns the local binding names followed by the shared keys they do not shadow.
func (c *UnitContext) Keys() []string {
	local := make([]string, 0, len(c.local))
	for k := range c.local {
		local = append(local, k)
	}
	sort.Strings(local)

	keys := local
	for _, k := range c.shared.Keys() {
		if _, shadowed := c.local[k]; !shadowed {
			keys = append(keys, k)
		}
	}
	return keys
}

// Logger returns the unit's logger.
func (c *UnitContext) Logger() *zerolog.Logger {
	return &c.logger
}

// Validate checks a struct against its validate tags.
func (c *UnitContext) Validate(v any) error {
	if err := c.validate.Struct(v); err != nil {
		return validationError(err, c.name, "value failed validation")
	}
	return nil
}

// Import loads an artifact through the kernel's importer.
func (c *UnitContext) Import(ctx context.Context, locator string) (*Artifact, error) {
	return c.importer.Import(ctx, locator)
}
