package kernel

import (
	"context"
	"errors"
	"slices"
	"time"
)

// loaded is a resolved and imported artifact.
type loaded struct {
	locator  string
	artifact *Artifact
}

// loadArtifact resolves and imports name and validates its Info. It does
// not touch kernel state, so the analyzer shares it.
func (k *Kernel) loadArtifact(ctx context.Context, name string) (*loaded, error) {
	if k.resolver == nil || k.importer == nil {
		return nil, newError(KindImport, "kernel has no resolver or importer", nil).WithUnit(name)
	}

	locator, err := k.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, newError(KindImport, "failed to resolve unit", err).WithUnit(name)
	}

	artifact, err := k.importer.Import(ctx, locator)
	if err != nil {
		return nil, newError(KindImport, "failed to import unit", err).WithUnit(name).WithLocator(locator)
	}
	if artifact == nil || artifact.Info == nil {
		return nil, newError(KindImport, "artifact has no info", nil).WithUnit(name).WithLocator(locator)
	}

	if err := k.validate.Struct(artifact.Info); err != nil {
		return nil, validationError(err, name, "invalid unit info").WithLocator(locator)
	}

	return &loaded{locator: locator, artifact: artifact}, nil
}

// load returns the cached artifact of name, importing it on first use.
func (k *Kernel) load(ctx context.Context, name string) (*loaded, error) {
	if l, ok := k.artifacts[name]; ok {
		return l, nil
	}
	l, err := k.loadArtifact(ctx, name)
	if err != nil {
		return nil, err
	}
	k.artifacts[name] = l
	return l, nil
}

// install installs name unless it is already installed. requiredBy is the
// unit whose requirement triggered the install, empty for roots.
func (k *Kernel) install(ctx context.Context, name, requiredBy string) error {
	if _, ok := k.Unit(name); ok {
		return nil
	}
	if k.installing[name] {
		return reentrancyError(k.stack, name)
	}

	k.installing[name] = true
	k.stack = append(k.stack, name)
	defer func() {
		delete(k.installing, name)
		k.stack = k.stack[:len(k.stack)-1]
	}()

	k.logger.Debug().
		Str("unit", name).
		Str("required_by", requiredBy).
		Msg("Installing unit")

	ctx, done := k.observer.Begin(ctx, OpInstall, name)
	unit, err := k.build(ctx, name, requiredBy)
	done(err)
	if err != nil {
		return err
	}

	unit.installedAt = time.Now()
	k.tableMu.Lock()
	k.units[name] = unit
	k.order = append(k.order, name)
	k.tableMu.Unlock()

	k.logger.Info().
		Str("unit", name).
		Str("locator", unit.locator).
		Int("layers", len(unit.layers)).
		Msg("Unit installed")

	return nil
}

// reentrancyError reports name being entered again. The path starts at the
// first occurrence of name on the stack.
func reentrancyError(stack []string, name string) *Error {
	start := slices.Index(stack, name)
	if start < 0 {
		start = 0
	}
	path := append(slices.Clone(stack[start:]), name)

	err := newError(KindReentrancy, "unit re-entered while installing, dependency cycle detected", nil).WithUnit(name)
	err.Path = path
	return err
}

func (k *Kernel) build(ctx context.Context, name, requiredBy string) (*Unit, error) {
	l, err := k.load(ctx, name)
	if err != nil {
		return nil, err
	}

	if k.admitter != nil {
		req := AdmissionRequest{
			Unit:       name,
			Locator:    l.locator,
			RequiredBy: requiredBy,
			Info:       *l.artifact.Info,
		}
		if err := k.admitter.Admit(ctx, req); err != nil {
			return nil, newError(KindPolicy, "unit denied by admission policy", err).
				WithUnit(name).
				WithLocator(l.locator)
		}
	}

	info := *l.artifact.Info
	info.Requires = slices.Clone(info.Requires)
	info.Provides = slices.Clone(info.Provides)
	unit := &Unit{name: name, locator: l.locator, info: info}
	k.building = append(k.building, unit)
	defer func() { k.building = k.building[:len(k.building)-1] }()

	root := NewRecord()
	if l.artifact.Factory != nil {
		rec, err := l.artifact.Factory(ctx, k.newUnitContext(name))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			root = rec
		}
	}

	if err := k.applyLayer(ctx, unit, root, true); err != nil {
		return nil, err
	}

	for _, layer := range unit.layers {
		if err := runHook(ctx, layer.Hooks.Ready); err != nil {
			return nil, err
		}
	}
	for _, layer := range unit.layers {
		k.enqueue(name, layer.Hooks)
	}

	return unit, nil
}

// applyLayer decodes rec and applies it to unit: requirements, tags,
// definitions, processor registrations and the pipeline pass. Layers
// returned by processors are applied recursively, depth first.
func (k *Kernel) applyLayer(ctx context.Context, unit *Unit, rec *Record, root bool) error {
	layer, err := decodeLayer(Expand(rec))
	if err != nil {
		return withUnit(err, unit.name)
	}
	if root {
		layer.Requires = dedupe(unit.info.Requires, layer.Requires...)
		layer.Provides = dedupe(unit.info.Provides, layer.Provides...)
	}
	unit.layers = append(unit.layers, layer)

	if err := runHook(ctx, layer.Hooks.BeforeLoad); err != nil {
		return err
	}

	for _, ref := range layer.Requires {
		if err := k.require(ctx, unit.name, ref); err != nil {
			return err
		}
	}

	for _, tag := range layer.Provides {
		if err := k.tags.Claim(tag, unit.name); err != nil {
			return err
		}
		k.logger.Debug().Str("unit", unit.name).Str("tag", tag).Msg("Tag claimed")
	}

	if err := runHook(ctx, layer.Hooks.Prepare); err != nil {
		return err
	}

	for _, def := range layer.Define {
		if err := k.store.define(ctx, unit.name, def.Key, def.Value); err != nil {
			return err
		}
	}

	for _, reg := range layer.Processors {
		if err := k.pipeline.Register(unit.name, reg.Pipeline, reg.Processor); err != nil {
			return err
		}
		if err := k.replay(ctx, reg); err != nil {
			return err
		}
		if err := k.catchUp(ctx); err != nil {
			return err
		}
	}

	return k.fragmentPass(ctx, unit, layer)
}

// fragmentPass runs every registered processor over the matching fragments
// of layer, each processor at most once. Processors registered while the
// pass runs, by layers it produces or units they require, are picked up
// before it returns. Layers returned by processors are applied to unit.
func (k *Kernel) fragmentPass(ctx context.Context, unit *Unit, layer *Layer) error {
	layer.passing = true
	if layer.applied == nil {
		layer.applied = make(map[string]int)
	}

	for {
		progressed := false
		for _, name := range k.pipeline.Names() {
			fragment, ok := layer.Fragments.Get(name)
			if !ok {
				continue
			}
			for {
				procs := k.pipeline.Processors(name)
				i := layer.applied[name]
				if i >= len(procs) {
					break
				}
				layer.applied[name] = i + 1
				progressed = true

				extra, err := procs[i](ctx, fragment, unit)
				if err != nil {
					return err
				}
				for _, next := range extra {
					if next == nil {
						continue
					}
					if err := k.applyLayer(ctx, unit, next, false); err != nil {
						return err
					}
				}
			}
		}
		if !progressed {
			return nil
		}
	}
}

// catchUp brings the layers of units still being installed up to date with
// the pipeline. Layers whose fragment pass has not begun are left to it.
func (k *Kernel) catchUp(ctx context.Context) error {
	for _, unit := range slices.Clone(k.building) {
		for _, layer := range slices.Clone(unit.layers) {
			if !layer.passing {
				continue
			}
			if err := k.fragmentPass(ctx, unit, layer); err != nil {
				return err
			}
		}
	}
	return nil
}

// replay runs a newly registered processor over the fragments that
// already-installed units carry for its pipeline. Installed units are
// sealed, so a processor that returns layers here is rejected.
func (k *Kernel) replay(ctx context.Context, reg Registration) error {
	for _, installed := range k.Units() {
		for _, layer := range installed.layers {
			fragment, ok := layer.Fragments.Get(reg.Pipeline)
			if !ok {
				continue
			}
			extra, err := reg.Processor(ctx, fragment, installed)
			if err != nil {
				return err
			}
			if slices.ContainsFunc(extra, func(r *Record) bool { return r != nil }) {
				return newError(KindValidation, "processor returned layers for an installed unit", nil).
					WithUnit(installed.name).
					WithKey(reg.Pipeline)
			}
		}
	}
	return nil
}

// require satisfies one requirement of unit from.
func (k *Kernel) require(ctx context.Context, from, ref string) error {
	if !validUnitRef(ref) {
		return newError(KindValidation, "invalid requirement", nil).WithUnit(from).WithKey(ref)
	}
	if !IsTagRef(ref) {
		return k.install(ctx, ref, from)
	}

	if _, owned := k.tags.Owner(ref); owned {
		return nil
	}

	provider, err := k.findProvider(ctx, ref)
	if err != nil {
		return err
	}
	if provider != "" {
		if err := k.install(ctx, provider, from); err != nil {
			return err
		}
		if _, owned := k.tags.Owner(ref); owned {
			return nil
		}
	}

	return missingTag(ref, from)
}

// findProvider returns the first unit still queued in the current Start
// call whose Info provides tag, or "" if there is none. Tags are never
// installed by name.
func (k *Kernel) findProvider(ctx context.Context, tag string) (string, error) {
	for _, name := range k.pending {
		if _, ok := k.Unit(name); ok || k.installing[name] {
			continue
		}
		l, err := k.load(ctx, name)
		if err != nil {
			return "", err
		}
		if slices.Contains(l.artifact.Info.Provides, tag) {
			return name, nil
		}
	}
	return "", nil
}

func missingTag(tag, from string) *Error {
	return newError(KindMissingDependency, "missing feature, no unit provides tag", nil).
		WithUnit(from).
		WithKey(tag)
}

// inject is the built-in processor of the inject pipeline. Each entry of
// the fragment is a factory whose record becomes another layer of the unit.
func (k *Kernel) inject(ctx context.Context, fragment any, unit *Unit) ([]*Record, error) {
	entries, ok := asRecord(fragment)
	if !ok {
		return nil, fieldError(PipelineInject, "record of factories", fragment).WithUnit(unit.name)
	}

	uc := k.newUnitContext(unit.name)
	var layers []*Record
	for _, name := range entries.Keys() {
		v, _ := entries.Get(name)
		factory, ok := asFactory(v)
		if !ok {
			return nil, fieldError(PipelineInject+"."+name, "factory", v).WithUnit(unit.name)
		}
		rec, err := factory(ctx, uc)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			layers = append(layers, rec)
		}
	}
	return layers, nil
}

func runHook(ctx context.Context, h Hook) error {
	if h == nil {
		return nil
	}
	return h(ctx)
}

func withUnit(err error, unit string) error {
	var e *Error
	if errors.As(err, &e) {
		e.WithUnit(unit)
	}
	return err
}
