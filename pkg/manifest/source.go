package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/unitkernel/pkg/kernel"
	"github.com/openfroyo/unitkernel/pkg/script"
	"github.com/openfroyo/unitkernel/pkg/wasm"
)

// Source resolves unit names to manifests found under search paths and
// imports them. It implements kernel.Resolver and kernel.Importer.
//
// A search path may itself contain unit.yaml or hold one unit directory per
// subdirectory. When two paths define the same unit the earlier path wins.
type Source struct {
	loader     *Loader
	paths      []string
	logger     zerolog.Logger
	scriptOpts []script.Option
	wasmOpts   []wasm.Option

	mu    sync.Mutex
	index map[string]string
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithLogger sets the logger used for scan warnings.
func WithLogger(logger zerolog.Logger) SourceOption {
	return func(s *Source) { s.logger = logger }
}

// WithScriptOptions sets the options used when loading Starlark entrypoints.
func WithScriptOptions(opts ...script.Option) SourceOption {
	return func(s *Source) { s.scriptOpts = opts }
}

// WithWASMOptions sets the options used when loading WebAssembly entrypoints.
func WithWASMOptions(opts ...wasm.Option) SourceOption {
	return func(s *Source) { s.wasmOpts = opts }
}

// NewSource creates a source over the given search paths.
func NewSource(loader *Loader, paths []string, opts ...SourceOption) *Source {
	s := &Source{
		loader: loader,
		paths:  paths,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan reads every manifest under the search paths and rebuilds the name
// index. Invalid manifests are skipped and reported in the returned error.
func (s *Source) Scan() ([]*Manifest, error) {
	var (
		found []*Manifest
		errs  []error
		index = make(map[string]string)
	)

	for _, root := range s.paths {
		files, err := manifestFiles(root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Debug().Str("path", root).Msg("Search path does not exist")
				continue
			}
			errs = append(errs, err)
			continue
		}

		for _, file := range files {
			m, err := s.loader.LoadFile(file)
			if err != nil {
				s.logger.Warn().Err(err).Str("manifest", file).Msg("Skipping invalid manifest")
				errs = append(errs, err)
				continue
			}
			if prev, exists := index[m.Name]; exists {
				s.logger.Warn().Str("unit", m.Name).Str("manifest", file).Str("shadowed_by", prev).Msg("Duplicate unit manifest")
				continue
			}
			index[m.Name] = m.Path
			found = append(found, m)
		}
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, errors.Join(errs...)
}

// manifestFiles lists root/unit.yaml and root/*/unit.yaml.
func manifestFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	direct := filepath.Join(root, FileName)
	if _, err := os.Stat(direct); err == nil {
		files = append(files, direct)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), FileName)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files, nil
}

// Resolve implements kernel.Resolver. The locator is the manifest path.
// The search paths are scanned on first use.
func (s *Source) Resolve(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	scanned := s.index != nil
	s.mu.Unlock()
	if !scanned {
		_, _ = s.Scan()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.index[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", kernel.ErrUnknownUnit, name)
	}
	return path, nil
}

// Import implements kernel.Importer.
func (s *Source) Import(ctx context.Context, locator string) (*kernel.Artifact, error) {
	if filepath.Base(locator) != FileName {
		return nil, fmt.Errorf("unsupported locator %q", locator)
	}
	m, err := s.loader.LoadFile(locator)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("unit", m.Name).Logger()
	return m.Artifact(ctx, LoadOptions{
		Script: append([]script.Option{script.WithLogger(logger)}, s.scriptOpts...),
		WASM:   append([]wasm.Option{wasm.WithLogger(logger)}, s.wasmOpts...),
	})
}
