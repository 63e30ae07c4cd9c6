package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// EntryPoint is the global a unit script must define.
const EntryPoint = "factory"

const defaultTimeout = 30 * time.Second

// Script is a loaded Starlark unit script. Its top level has been executed
// and frozen; each factory call runs on a fresh thread.
type Script struct {
	filename string
	timeout  time.Duration
	maxSteps uint64
	globals  map[string]any
	factory  starlark.Callable
	logger   zerolog.Logger
}

// Option configures a Script.
type Option func(*Script)

// WithTimeout bounds every call into the script. Zero selects the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Script) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxSteps bounds the number of Starlark computation steps per call.
func WithMaxSteps(n uint64) Option {
	return func(s *Script) { s.maxSteps = n }
}

// WithGlobals predeclares values for the script, converted to Starlark.
func WithGlobals(globals map[string]any) Option {
	return func(s *Script) { s.globals = globals }
}

// WithLogger sets the logger used while loading the script. Calls made
// during installation log through the unit's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Script) { s.logger = logger }
}

// LoadFile reads and loads a script from disk.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Load(ctx, filepath.Base(path), src, opts...)
}

// Load executes the script's top level and checks that it defines a
// callable factory.
func Load(ctx context.Context, filename string, src []byte, opts ...Option) (*Script, error) {
	s := &Script{
		filename: filename,
		timeout:  defaultTimeout,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range s.globals {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert global %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	var globals starlark.StringDict
	err := s.call(ctx, s.logger, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, filename, src, predeclared)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	fn, ok := globals[EntryPoint].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define a %s function", filename, EntryPoint)
	}
	s.factory = fn
	return s, nil
}

// Filename returns the name the script was loaded under.
func (s *Script) Filename() string { return s.filename }

// Factory returns a kernel factory that calls the script's factory(unit)
// and converts the returned dict into a configuration record.
func (s *Script) Factory() kernel.Factory {
	return func(ctx context.Context, uc *kernel.UnitContext) (*kernel.Record, error) {
		return s.invokeFactory(ctx, s.factory, uc)
	}
}

func (s *Script) invokeFactory(ctx context.Context, fn starlark.Callable, uc *kernel.UnitContext) (*kernel.Record, error) {
	var result starlark.Value
	err := s.call(ctx, *uc.Logger(), func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, fn, starlark.Tuple{unitValue(uc)}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	if result == starlark.None {
		return kernel.NewRecord(), nil
	}
	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s must return a dict, got %s", fn.Name(), result.Type())
	}
	dict.Freeze()
	return s.record(dict, "")
}

// call runs fn on a new thread bounded by the script timeout. Cancelling ctx
// cancels the thread.
func (s *Script) call(ctx context.Context, logger zerolog.Logger, fn func(*starlark.Thread) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: s.filename,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Str("script", s.filename).Msg(msg)
		},
	}
	if s.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.maxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	return fn(thread)
}

// unitValue exposes a unit context to Starlark as unit.name and
// unit.get(key, default=None).
func unitValue(uc *kernel.UnitContext) starlark.Value {
	get := starlark.NewBuiltin("get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
			return nil, err
		}
		v, ok := uc.Get(key)
		if !ok {
			return def, nil
		}
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("context value %s: %w", key, err)
		}
		return sv, nil
	})
	has := starlark.NewBuiltin("has", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
			return nil, err
		}
		_, ok := uc.Get(key)
		return starlark.Bool(ok), nil
	})

	return starlarkstruct.FromStringDict(starlark.String("unit"), starlark.StringDict{
		"name": starlark.String(uc.Name()),
		"get":  get,
		"has":  has,
	})
}
