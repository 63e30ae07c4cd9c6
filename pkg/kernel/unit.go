package kernel

import (
	"context"
	"time"
)

// Hook is a lifecycle callback declared by a unit.
type Hook func(ctx context.Context) error

// Producer computes a context value when a unit's define entry is published.
type Producer func(ctx context.Context) (any, error)

// Processor handles the fragment a unit carries under a pipeline name.
// Each returned record becomes an additional configuration layer of the unit.
type Processor func(ctx context.Context, fragment any, unit *Unit) ([]*Record, error)

// Factory builds a unit's configuration record from its context view.
type Factory func(ctx context.Context, uc *UnitContext) (*Record, error)

// Info is the metadata an artifact declares about itself.
type Info struct {
	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description"`

	// Version is an optional semantic version.
	Version string `json:"version,omitempty" yaml:"version" validate:"omitempty,semver"`

	// Requires lists unit names and #tags this unit depends on.
	Requires []string `json:"requires,omitempty" yaml:"requires" validate:"dive,unitref"`

	// Provides lists the #tags this unit satisfies.
	Provides []string `json:"provides,omitempty" yaml:"provides" validate:"dive,unittag"`
}

// Artifact is what an Importer loads for a locator.
type Artifact struct {
	// Info is required.
	Info *Info

	// Factory is optional; a unit without one contributes only its Info.
	Factory Factory
}

// Resolver maps a unit name to the locator passed to the Importer.
// Resolvers return an error wrapping ErrUnknownUnit for names they do not know.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Importer loads the artifact behind a locator.
type Importer interface {
	Import(ctx context.Context, locator string) (*Artifact, error)
}

// ImporterFunc adapts a function to Importer.
type ImporterFunc func(ctx context.Context, locator string) (*Artifact, error)

// Import implements Importer.
func (f ImporterFunc) Import(ctx context.Context, locator string) (*Artifact, error) {
	return f(ctx, locator)
}

// AdmissionRequest describes a unit about to be installed.
type AdmissionRequest struct {
	Unit       string `json:"unit"`
	Locator    string `json:"locator"`
	RequiredBy string `json:"required_by,omitempty"`
	Info       Info   `json:"info"`
}

// Admitter decides whether a unit may be installed. A non-nil error denies it.
type Admitter interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// Operation names an observed kernel operation.
type Operation string

const (
	OpInstall  Operation = "install"
	OpStart    Operation = "start"
	OpStop     Operation = "stop"
	OpTeardown Operation = "teardown"
)

// Observer receives lifecycle notifications, typically for metrics and tracing.
type Observer interface {
	// Begin is called when op starts for unit. The returned context is used
	// for the operation and done is called with its outcome.
	Begin(ctx context.Context, op Operation, unit string) (context.Context, func(err error))

	// StateChanged is called on every controller transition.
	StateChanged(from, to State)
}

type nopObserver struct{}

func (nopObserver) Begin(ctx context.Context, _ Operation, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) StateChanged(_, _ State) {}

// Definition is one define entry of a layer.
type Definition struct {
	Key   string
	Value any
}

// Registration is one processor declared by a layer under register or loaders.
type Registration struct {
	Pipeline  string
	Processor Processor
}

// Hooks holds the lifecycle callbacks of one layer.
type Hooks struct {
	BeforeLoad Hook
	Prepare    Hook
	Ready      Hook
	Start      Hook
	Stop       Hook
	Teardown   Hook
}

// Layer is one decoded configuration layer of a unit. The factory output is
// the first layer; processors may add more.
type Layer struct {
	Description string
	Requires    []string
	Provides    []string
	Define      []Definition
	Processors  []Registration
	Hooks       Hooks

	// Fragments holds every non-reserved top-level field in declaration order.
	Fragments *Record

	// passing is set once the fragment pass of the layer has begun.
	passing bool
	// applied counts, per pipeline, the processors already run over the
	// layer's fragment.
	applied map[string]int
}

// Unit is an installed (or installing) component.
type Unit struct {
	name        string
	locator     string
	info        Info
	layers      []*Layer
	installedAt time.Time
}

// Name returns the name the unit was installed under. It is assigned by the
// installer and is unrelated to any "name" fragment of the configuration.
func (u *Unit) Name() string { return u.name }

// Locator returns the locator the unit was imported from.
func (u *Unit) Locator() string { return u.locator }

// Info returns the artifact metadata.
func (u *Unit) Info() Info { return u.info }

// InstalledAt returns when installation completed; zero while installing.
func (u *Unit) InstalledAt() time.Time { return u.installedAt }

// Layers returns the decoded configuration layers.
func (u *Unit) Layers() []*Layer {
	layers := make([]*Layer, len(u.layers))
	copy(layers, u.layers)
	return layers
}

// Requires returns every requirement of the unit, Info first, de-duplicated.
func (u *Unit) Requires() []string {
	out := dedupe(u.info.Requires)
	for _, l := range u.layers {
		out = dedupe(out, l.Requires...)
	}
	return out
}

// Provides returns every tag the unit declares.
func (u *Unit) Provides() []string {
	out := dedupe(u.info.Provides)
	for _, l := range u.layers {
		out = dedupe(out, l.Provides...)
	}
	return out
}

// Fragment returns the first fragment stored under name across the layers.
func (u *Unit) Fragment(name string) (any, bool) {
	for _, l := range u.layers {
		if v, ok := l.Fragments.Get(name); ok {
			return v, true
		}
	}
	return nil, false
}

func dedupe(base []string, more ...string) []string {
	seen := make(map[string]bool, len(base)+len(more))
	out := make([]string, 0, len(base)+len(more))
	for _, list := range [][]string{base, more} {
		for _, s := range list {
			if seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
