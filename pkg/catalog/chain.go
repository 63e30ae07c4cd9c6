package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// Source is a resolver and importer pair.
type Source interface {
	kernel.Resolver
	kernel.Importer
}

// Chain consults its sources in order. Names unknown to a source fall
// through to the next one; any other error stops the search.
type Chain struct {
	sources []Source

	mu     sync.Mutex
	routes map[string]Source
}

// NewChain creates a chain over sources.
func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources, routes: make(map[string]Source)}
}

// Resolve implements kernel.Resolver. The source that resolved a name also
// imports its locator.
func (c *Chain) Resolve(ctx context.Context, name string) (string, error) {
	for _, src := range c.sources {
		loc, err := src.Resolve(ctx, name)
		if err == nil {
			c.mu.Lock()
			if _, taken := c.routes[loc]; !taken {
				c.routes[loc] = src
			}
			c.mu.Unlock()
			return loc, nil
		}
		if !errors.Is(err, kernel.ErrUnknownUnit) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", kernel.ErrUnknownUnit, name)
}

// Import implements kernel.Importer. Locators that were never resolved
// through the chain are offered to each source in order.
func (c *Chain) Import(ctx context.Context, locator string) (*kernel.Artifact, error) {
	c.mu.Lock()
	src, ok := c.routes[locator]
	c.mu.Unlock()
	if ok {
		return src.Import(ctx, locator)
	}

	var errs []error
	for _, src := range c.sources {
		a, err := src.Import(ctx, locator)
		if err == nil {
			return a, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no source can import %q: %w", locator, errors.Join(errs...))
}
