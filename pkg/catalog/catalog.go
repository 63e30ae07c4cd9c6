package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// Scheme prefixes locators produced by a Catalog.
const Scheme = "go:"

// Catalog is an in-process registry of units defined in Go.
// It implements kernel.Resolver and kernel.Importer.
type Catalog struct {
	mu    sync.RWMutex
	units map[string]*kernel.Artifact
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{units: make(map[string]*kernel.Artifact)}
}

// Register adds an artifact under name.
func (c *Catalog) Register(name string, a *kernel.Artifact) error {
	if name == "" || strings.ContainsAny(name, " \t\n") || kernel.IsTagRef(name) {
		return fmt.Errorf("invalid unit name %q", name)
	}
	if a == nil || a.Info == nil {
		return fmt.Errorf("unit %s has no info", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.units[name]; exists {
		return fmt.Errorf("unit %s already registered", name)
	}
	c.units[name] = a
	return nil
}

// MustRegister is like Register but panics on error. It is intended for
// package-level registration of stock units.
func (c *Catalog) MustRegister(name string, a *kernel.Artifact) {
	if err := c.Register(name, a); err != nil {
		panic(err)
	}
}

// Names returns the registered unit names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.units))
	for name := range c.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the metadata of a registered unit.
func (c *Catalog) Info(name string) (kernel.Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.units[name]
	if !ok {
		return kernel.Info{}, false
	}
	return *a.Info, true
}

// Resolve implements kernel.Resolver.
func (c *Catalog) Resolve(_ context.Context, name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.units[name]; !ok {
		return "", fmt.Errorf("%w: %s", kernel.ErrUnknownUnit, name)
	}
	return Scheme + name, nil
}

// Import implements kernel.Importer.
func (c *Catalog) Import(_ context.Context, locator string) (*kernel.Artifact, error) {
	name, ok := strings.CutPrefix(locator, Scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported locator %q", locator)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	a, exists := c.units[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", kernel.ErrUnknownUnit, name)
	}
	return a, nil
}
