package kernel

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Reserved configuration fields. Every other top-level key is a fragment.
const (
	FieldDescription = "description"
	FieldRequires    = "requires"
	FieldProvides    = "provides"
	FieldImplements  = "implements"
	FieldDefine      = "define"
	FieldRegister    = "register"
	FieldLoaders     = "loaders"

	HookBeforeLoad = "onBeforeLoad"
	HookPrepare    = "onPrepare"
	HookReady      = "onReady"
	HookStart      = "onStart"
	HookStop       = "onStop"
	HookTeardown   = "onTeardown"
	HookShutdown   = "onShutdown"
)

// IsReserved reports whether field has a fixed meaning in unit configuration.
func IsReserved(field string) bool {
	switch field {
	case FieldDescription, FieldRequires, FieldProvides, FieldImplements,
		FieldDefine, FieldRegister, FieldLoaders:
		return true
	}
	return isHookName(field)
}

func isHookName(field string) bool {
	switch field {
	case HookBeforeLoad, HookPrepare, HookReady, HookStart, HookStop, HookTeardown, HookShutdown:
		return true
	}
	return false
}

// looksLikeHook matches on<Upper>..., which is reserved for hooks so that a
// misspelt hook fails instead of silently becoming a fragment.
func looksLikeHook(field string) bool {
	if !strings.HasPrefix(field, "on") || len(field) < 3 {
		return false
	}
	return unicode.IsUpper(rune(field[2]))
}

// decodeLayer validates an expanded record and splits it into a Layer.
func decodeLayer(rec *Record) (*Layer, error) {
	layer := &Layer{Fragments: NewRecord()}

	for _, key := range rec.Keys() {
		value, _ := rec.Get(key)

		switch {
		case key == FieldDescription:
			s, ok := value.(string)
			if !ok {
				return nil, fieldError(key, "string", value)
			}
			layer.Description = s

		case key == FieldRequires:
			list, err := stringList(key, value)
			if err != nil {
				return nil, err
			}
			layer.Requires = dedupe(layer.Requires, list...)

		case key == FieldProvides || key == FieldImplements:
			list, err := stringList(key, value)
			if err != nil {
				return nil, err
			}
			layer.Provides = dedupe(layer.Provides, list...)

		case key == FieldDefine:
			defs, ok := asRecord(value)
			if !ok {
				return nil, fieldError(key, "record", value)
			}
			for _, name := range defs.Keys() {
				v, _ := defs.Get(name)
				layer.Define = append(layer.Define, Definition{Key: name, Value: v})
			}

		case key == FieldRegister || key == FieldLoaders:
			regs, ok := asRecord(value)
			if !ok {
				return nil, fieldError(key, "record", value)
			}
			for _, name := range regs.Keys() {
				v, _ := regs.Get(name)
				proc, ok := asProcessor(v)
				if !ok {
					return nil, fieldError(key+"."+name, "processor", v)
				}
				layer.Processors = append(layer.Processors, Registration{Pipeline: name, Processor: proc})
			}

		case isHookName(key):
			if value == nil {
				continue
			}
			hook, ok := asHook(value)
			if !ok {
				return nil, fieldError(key, "hook", value)
			}
			if err := layer.setHook(key, hook); err != nil {
				return nil, err
			}

		case looksLikeHook(key):
			return nil, newError(KindValidation, "unknown lifecycle hook", nil).WithKey(key)

		default:
			layer.Fragments.Set(key, value)
		}
	}

	return layer, nil
}

func (l *Layer) setHook(key string, hook Hook) error {
	switch key {
	case HookBeforeLoad:
		l.Hooks.BeforeLoad = hook
	case HookPrepare:
		l.Hooks.Prepare = hook
	case HookReady:
		l.Hooks.Ready = hook
	case HookStart:
		l.Hooks.Start = hook
	case HookStop:
		l.Hooks.Stop = hook
	case HookTeardown, HookShutdown:
		if l.Hooks.Teardown != nil {
			return newError(KindValidation, "onTeardown and onShutdown are both set", nil).WithKey(key)
		}
		l.Hooks.Teardown = hook
	}
	return nil
}

func fieldError(key, want string, got any) *Error {
	return newError(KindValidation, fmt.Sprintf("field %s: expected %s, got %T", key, want, got), nil).
		WithKey(key)
}

func stringList(key string, value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fieldError(fmt.Sprintf("%s[%d]", key, i), "string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fieldError(key, "list of strings", value)
	}
}

func asHook(v any) (Hook, bool) {
	switch h := v.(type) {
	case Hook:
		return h, h != nil
	case func(context.Context) error:
		return h, h != nil
	}
	return nil, false
}

func asProducer(v any) (Producer, bool) {
	switch p := v.(type) {
	case Producer:
		return p, p != nil
	case func(context.Context) (any, error):
		return p, p != nil
	case func() (any, error):
		if p == nil {
			return nil, false
		}
		return func(context.Context) (any, error) { return p() }, true
	case func() any:
		if p == nil {
			return nil, false
		}
		return func(context.Context) (any, error) { return p(), nil }, true
	}
	return nil, false
}

func asProcessor(v any) (Processor, bool) {
	switch p := v.(type) {
	case Processor:
		return p, p != nil
	case func(context.Context, any, *Unit) ([]*Record, error):
		return p, p != nil
	}
	return nil, false
}

func asFactory(v any) (Factory, bool) {
	switch f := v.(type) {
	case Factory:
		return f, f != nil
	case func(context.Context, *UnitContext) (*Record, error):
		return f, f != nil
	}
	return nil, false
}
