package kernel

import (
	"context"
	"fmt"
	"slices"
)

// Analysis is the result of a dry-run dependency walk.
type Analysis struct {
	// Order lists the units that would be installed, in install order.
	// Units the kernel already has are not repeated.
	Order []string `json:"order"`

	// Tags maps each tag to the unit that would own it, including tags the
	// kernel already owns.
	Tags map[string]string `json:"tags"`

	// Errors holds every problem found. The walk continues past them.
	Errors []error `json:"-"`

	// Success is true iff Errors is empty.
	Success bool `json:"success"`
}

// Messages returns the error strings, for display and JSON output.
func (a *Analysis) Messages() []string {
	out := make([]string, len(a.Errors))
	for i, err := range a.Errors {
		out[i] = err.Error()
	}
	return out
}

type analyzer struct {
	k          *Kernel
	visited    map[string]bool
	inProgress map[string]bool
	stack      []string
	cache      map[string]analyzed
	pending    []string
	result     *Analysis
}

type analyzed struct {
	l   *loaded
	err error
}

// Analyze walks the requirements of names using only artifact metadata.
// Factories never run and the kernel is not modified, so it may be called
// in any state. Pending names act as tag providers the way they do in Start.
func (k *Kernel) Analyze(ctx context.Context, names ...string) *Analysis {
	a := &analyzer{
		k:          k,
		visited:    make(map[string]bool),
		inProgress: make(map[string]bool),
		cache:      make(map[string]analyzed),
		result:     &Analysis{Order: []string{}, Tags: k.tags.Snapshot()},
	}
	for _, u := range k.Units() {
		a.visited[u.name] = true
	}

	for i, name := range names {
		a.pending = names[i+1:]
		a.visit(ctx, name)
	}

	a.result.Success = len(a.result.Errors) == 0

	k.logger.Debug().
		Strs("order", a.result.Order).
		Int("errors", len(a.result.Errors)).
		Msg("Dependency analysis complete")

	return a.result
}

func (a *analyzer) load(ctx context.Context, name string) (*loaded, error) {
	if c, ok := a.cache[name]; ok {
		return c.l, c.err
	}
	l, err := a.k.loadArtifact(ctx, name)
	a.cache[name] = analyzed{l: l, err: err}
	return l, err
}

func (a *analyzer) fail(err error) {
	a.result.Errors = append(a.result.Errors, err)
}

func (a *analyzer) visit(ctx context.Context, name string) {
	if a.visited[name] {
		return
	}
	if a.inProgress[name] {
		a.fail(reentrancyError(a.stack, name))
		return
	}

	a.inProgress[name] = true
	a.stack = append(a.stack, name)
	defer func() {
		delete(a.inProgress, name)
		a.stack = a.stack[:len(a.stack)-1]
	}()

	l, err := a.load(ctx, name)
	if err != nil {
		a.visited[name] = true
		a.fail(fmt.Errorf("failed to analyze %s: %w", name, err))
		return
	}

	for _, ref := range l.artifact.Info.Requires {
		if !IsTagRef(ref) {
			a.visit(ctx, ref)
			continue
		}
		if _, owned := a.result.Tags[ref]; owned {
			continue
		}
		if provider := a.findProvider(ctx, ref); provider != "" {
			a.visit(ctx, provider)
		}
		if _, owned := a.result.Tags[ref]; !owned {
			a.fail(missingTag(ref, name))
		}
	}

	for _, tag := range l.artifact.Info.Provides {
		if owner, exists := a.result.Tags[tag]; exists && owner != name {
			err := newError(KindDuplicateKey, "tag already provided", nil).WithUnit(name).WithKey(tag)
			err.Owner = owner
			a.fail(err)
			continue
		}
		a.result.Tags[tag] = name
	}

	a.visited[name] = true
	a.result.Order = append(a.result.Order, name)
}

func (a *analyzer) findProvider(ctx context.Context, tag string) string {
	for _, name := range a.pending {
		if a.visited[name] || a.inProgress[name] {
			continue
		}
		l, err := a.load(ctx, name)
		if err != nil {
			// Reported when the pending name itself is visited.
			continue
		}
		if slices.Contains(l.artifact.Info.Provides, tag) {
			return name
		}
	}
	return ""
}
