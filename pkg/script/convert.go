package script

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// record converts a factory result into a configuration record. Callables
// are bound by the top-level field they sit under: on* fields become hooks,
// define entries producers, register and loaders entries processors and
// inject entries sub-factories.
func (s *Script) record(d *starlark.Dict, top string) (*kernel.Record, error) {
	rec := kernel.NewRecord()
	for _, item := range d.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
		}
		field := top
		if field == "" {
			field, _, _ = strings.Cut(key, ".")
		}
		v, err := s.value(item[1], field, key)
		if err != nil {
			return nil, err
		}
		rec.Set(key, v)
	}
	return rec, nil
}

func (s *Script) value(v starlark.Value, field, key string) (any, error) {
	switch val := v.(type) {
	case starlark.Callable:
		return s.bind(val, field, key)
	case *starlark.Dict:
		return s.record(val, field)
	case *starlark.List:
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := s.value(val.Index(i), field, key)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	default:
		return fromStarlark(v)
	}
}

func (s *Script) bind(fn starlark.Callable, field, key string) (any, error) {
	switch {
	case field == kernel.FieldDefine:
		return kernel.Producer(func(ctx context.Context) (any, error) {
			var result starlark.Value
			err := s.call(ctx, s.logger, func(thread *starlark.Thread) error {
				var err error
				result, err = starlark.Call(thread, fn, nil, nil)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fn.Name(), err)
			}
			return fromStarlark(result)
		}), nil

	case field == kernel.FieldRegister || field == kernel.FieldLoaders:
		return kernel.Processor(func(ctx context.Context, fragment any, unit *kernel.Unit) ([]*kernel.Record, error) {
			arg, err := toStarlark(fragment)
			if err != nil {
				return nil, fmt.Errorf("fragment of %s: %w", unit.Name(), err)
			}
			var result starlark.Value
			err = s.call(ctx, s.logger, func(thread *starlark.Thread) error {
				var err error
				result, err = starlark.Call(thread, fn, starlark.Tuple{arg, starlark.String(unit.Name())}, nil)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fn.Name(), err)
			}
			return s.layers(fn.Name(), result)
		}), nil

	case field == kernel.PipelineInject:
		return kernel.Factory(func(ctx context.Context, uc *kernel.UnitContext) (*kernel.Record, error) {
			return s.invokeFactory(ctx, fn, uc)
		}), nil

	case isHookField(field):
		return kernel.Hook(func(ctx context.Context) error {
			err := s.call(ctx, s.logger, func(thread *starlark.Thread) error {
				_, err := starlark.Call(thread, fn, nil, nil)
				return err
			})
			if err != nil {
				return fmt.Errorf("%s: %w", fn.Name(), err)
			}
			return nil
		}), nil
	}
	return nil, fmt.Errorf("field %s: functions are not allowed here", key)
}

func isHookField(field string) bool {
	return len(field) > 2 && strings.HasPrefix(field, "on") && unicode.IsUpper(rune(field[2]))
}

// layers converts a processor result: None, a dict, or a list of dicts.
func (s *Script) layers(name string, v starlark.Value) ([]*kernel.Record, error) {
	var dicts []*starlark.Dict
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.Dict:
		dicts = append(dicts, val)
	case *starlark.List:
		for i := 0; i < val.Len(); i++ {
			d, ok := val.Index(i).(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("%s must return dicts, got %s", name, val.Index(i).Type())
			}
			dicts = append(dicts, d)
		}
	default:
		return nil, fmt.Errorf("%s must return None, a dict or a list of dicts, got %s", name, v.Type())
	}

	out := make([]*kernel.Record, 0, len(dicts))
	for _, d := range dicts {
		d.Freeze()
		rec, err := s.record(d, "")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// toStarlark converts a Go value to a Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case *kernel.Record:
		dict := starlark.NewDict(val.Len())
		for _, k := range val.Keys() {
			item, _ := val.Get(k)
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]any:
		return toStarlark(kernel.RecordOf(val))
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlark converts a Starlark value to a plain Go value.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
