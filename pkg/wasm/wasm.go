package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// Exports every unit module must provide.
const (
	ExportMemory  = "memory"
	ExportMalloc  = "malloc"
	ExportFree    = "free"
	ExportFactory = "factory"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMemoryLimitPages = 256 // 16MB
)

// Module is a compiled WebAssembly unit. Each factory call runs in a fresh
// instance, so module globals never leak between calls.
type Module struct {
	filename         string
	timeout          time.Duration
	memoryLimitPages uint32
	config           map[string]any
	logger           zerolog.Logger

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Option configures a Module.
type Option func(*Module)

// WithTimeout bounds every factory call. Zero selects the default.
func WithTimeout(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMemoryLimitPages caps instance memory in 64KB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(m *Module) {
		if pages > 0 {
			m.memoryLimitPages = pages
		}
	}
}

// WithConfig sets the static configuration passed to every factory call.
func WithConfig(config map[string]any) Option {
	return func(m *Module) { m.config = config }
}

// WithLogger sets the logger receiving the module's stdout and stderr.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Module) { m.logger = logger }
}

// LoadFile reads and compiles a module from disk.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Module, error) {
	binary, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return Load(ctx, filepath.Base(path), binary, opts...)
}

// Load compiles binary and checks its exports. The module may import WASI.
func Load(ctx context.Context, filename string, binary []byte, opts ...Option) (*Module, error) {
	m := &Module{
		filename:         filename,
		timeout:          defaultTimeout,
		memoryLimitPages: defaultMemoryLimitPages,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(m.memoryLimitPages).
		WithCloseOnContextDone(true)
	m.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, m.runtime); err != nil {
		_ = m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := m.runtime.CompileModule(ctx, binary)
	if err != nil {
		_ = m.runtime.Close(ctx)
		return nil, fmt.Errorf("%s: failed to compile module: %w", filename, err)
	}
	m.compiled = compiled

	if err := m.checkExports(); err != nil {
		_ = m.runtime.Close(ctx)
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return m, nil
}

func (m *Module) checkExports() error {
	if _, ok := m.compiled.ExportedMemories()[ExportMemory]; !ok {
		return fmt.Errorf("module does not export %s", ExportMemory)
	}
	funcs := m.compiled.ExportedFunctions()
	for _, name := range []string{ExportMalloc, ExportFree, ExportFactory} {
		if _, ok := funcs[name]; !ok {
			return fmt.Errorf("module does not export %s function", name)
		}
	}
	return nil
}

// Close releases the runtime. Factories fail afterwards.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// Factory returns a kernel.Factory calling the module's factory export.
// The unit's record gains an onTeardown hook that closes the runtime.
func (m *Module) Factory() kernel.Factory {
	return func(ctx context.Context, uc *kernel.UnitContext) (*kernel.Record, error) {
		rec, err := m.invokeFactory(ctx, uc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.filename, err)
		}
		return rec.Set(kernel.HookTeardown, kernel.Hook(m.Close)), nil
	}
}

// request is the JSON document handed to the factory export.
type request struct {
	Unit    string         `json:"unit"`
	Config  map[string]any `json:"config,omitempty"`
	Context map[string]any `json:"context"`
}

func (m *Module) invokeFactory(ctx context.Context, uc *kernel.UnitContext) (*kernel.Record, error) {
	input, err := json.Marshal(request{
		Unit:    uc.Name(),
		Config:  m.config,
		Context: snapshot(uc),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	logger := *uc.Logger()
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(logger).
		WithStderr(logger)

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, modConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	defer mod.Close(context.WithoutCancel(ctx))

	output, err := call(ctx, mod, input)
	if err != nil {
		return nil, err
	}
	return decodeResponse(output)
}

// snapshot collects the shared context values that can be encoded as JSON.
func snapshot(uc *kernel.UnitContext) map[string]any {
	out := make(map[string]any)
	for _, key := range uc.Keys() {
		switch key {
		case kernel.BindingLogger, kernel.BindingValidate, kernel.BindingImport, kernel.BindingUnit:
			continue
		}
		v, ok := uc.Get(key)
		if !ok {
			continue
		}
		if rec, isRecord := v.(*kernel.Record); isRecord {
			v = rec.Map()
		}
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[key] = v
	}
	return out
}

// call writes input into the instance's memory and calls
// factory(ptr, len) -> (out_ptr << 32) | out_len.
func call(ctx context.Context, mod api.Module, input []byte) ([]byte, error) {
	mem := mod.Memory()
	malloc := mod.ExportedFunction(ExportMalloc)
	free := mod.ExportedFunction(ExportFree)
	factory := mod.ExportedFunction(ExportFactory)

	results, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return nil, errors.New("malloc returned null pointer")
	}
	inputPtr := uint32(results[0])
	defer free.Call(ctx, uint64(inputPtr))

	if !mem.Write(inputPtr, input) {
		return nil, errors.New("failed to write input to module memory")
	}

	results, err = factory.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("factory failed: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("factory returned no results")
	}

	outputPtr := uint32(results[0] >> 32)
	outputLen := uint32(results[0])
	if outputLen == 0 {
		return nil, nil
	}

	output, ok := mem.Read(outputPtr, outputLen)
	if !ok {
		return nil, errors.New("factory result is out of memory bounds")
	}
	// Read returns a view into memory that free may reuse.
	output = append([]byte(nil), output...)
	_, _ = free.Call(ctx, uint64(outputPtr))
	return output, nil
}
