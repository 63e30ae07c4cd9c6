package kernel

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		name  string
		input *Record
		want  map[string]any
	}{
		{
			name:  "plain keys untouched",
			input: NewRecord().Set("a", 1).Set("b", "x"),
			want:  map[string]any{"a": 1, "b": "x"},
		},
		{
			name:  "deep path",
			input: NewRecord().Set("a.b.c", 5),
			want:  map[string]any{"a": map[string]any{"b": map[string]any{"c": 5}}},
		},
		{
			name:  "merges into existing record",
			input: NewRecord().Set("define", NewRecord().Set("x", 1)).Set("define.y", 2),
			want:  map[string]any{"define": map[string]any{"x": 1, "y": 2}},
		},
		{
			name:  "merges into plain map",
			input: NewRecord().Set("define", map[string]any{"x": 1}).Set("define.y", 2),
			want:  map[string]any{"define": map[string]any{"x": 1, "y": 2}},
		},
		{
			name:  "scalar overwritten mid-path",
			input: NewRecord().Set("a", 1).Set("a.b", 2),
			want:  map[string]any{"a": map[string]any{"b": 2}},
		},
		{
			name:  "later plain key replaces expanded tree",
			input: NewRecord().Set("a.b", 2).Set("a", 1),
			want:  map[string]any{"a": 1},
		},
		{
			name:  "only top-level keys expand",
			input: NewRecord().Set("a", NewRecord().Set("b.c", 1)),
			want:  map[string]any{"a": map[string]any{"b.c": 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.input.Clone().Map()
			got := Expand(tt.input).Map()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expand() = %v, want %v", got, tt.want)
			}
			if !reflect.DeepEqual(tt.input.Map(), before) {
				t.Errorf("Expand() modified its input: %v -> %v", before, tt.input.Map())
			}
		})
	}
}

func TestRecordOrder(t *testing.T) {
	r := NewRecord().Set("z", 1).Set("a", 2).Set("z", 3)
	if got := r.Keys(); !reflect.DeepEqual(got, []string{"z", "a"}) {
		t.Errorf("Keys() = %v", got)
	}
	if v, _ := r.Get("z"); v != 3 {
		t.Errorf("Get(z) = %v, want 3", v)
	}

	var zero Record
	zero.Set("k", 1)
	if !zero.Has("k") {
		t.Error("zero Record should accept Set")
	}

	var nilRec *Record
	if nilRec.Len() != 0 || nilRec.Has("k") || len(nilRec.Map()) != 0 {
		t.Error("nil record should read as empty")
	}

	m := RecordOf(map[string]any{"b": 1, "a": map[string]any{"c": 2}})
	if got := m.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("RecordOf keys = %v", got)
	}
	if nested, _ := m.Get("a"); reflect.TypeOf(nested) != reflect.TypeOf(&Record{}) {
		t.Errorf("nested map not converted: %T", nested)
	}
}

func TestStoreDefine(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.Define(ctx, "plain", 42); err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	calls := 0
	producer := func(context.Context) (any, error) {
		calls++
		return "computed", nil
	}
	if err := s.Define(ctx, "produced", producer); err != nil {
		t.Fatalf("Define(producer) error = %v", err)
	}
	if v, _ := s.Get("produced"); v != "computed" || calls != 1 {
		t.Errorf("produced = %v after %d calls", v, calls)
	}

	hook := func(context.Context) error { return nil }
	if err := s.Define(ctx, "callback", hook); err != nil {
		t.Fatalf("Define(hook) error = %v", err)
	}
	if v, _ := s.Get("callback"); v == nil {
		t.Error("non-producer functions are published as they are")
	}

	if err := s.Define(ctx, "plain", 1); !IsDuplicateKey(err) {
		t.Errorf("redefine error = %v, want duplicate key", err)
	}
	if err := s.Define(ctx, "produced", producer); !IsDuplicateKey(err) || calls != 1 {
		t.Errorf("redefine producer error = %v after %d calls", err, calls)
	}
	if err := s.Define(ctx, "", 1); !IsValidation(err) {
		t.Errorf("empty key error = %v, want validation", err)
	}

	boom := errors.New("producer failed")
	if err := s.Define(ctx, "broken", Producer(func(context.Context) (any, error) { return nil, boom })); err != boom {
		t.Errorf("producer error = %v, want %v", err, boom)
	}
	if _, ok := s.Get("broken"); ok {
		t.Error("failed producer published a value")
	}

	if err := s.Define(ctx, "bare", func() any { return "bare-value" }); err != nil {
		t.Fatalf("Define(func() any) error = %v", err)
	}
	if v, _ := s.Get("bare"); v != "bare-value" {
		t.Errorf("bare = %v, want bare-value", v)
	}
	if err := s.Define(ctx, "fallible", func() (any, error) { return nil, boom }); err != boom {
		t.Errorf("no-argument producer error = %v, want %v", err, boom)
	}
	if err := s.Define(ctx, "counted", func() (any, error) { return 7, nil }); err != nil {
		t.Fatalf("Define(func() (any, error)) error = %v", err)
	}
	if v, _ := s.Get("counted"); v != 7 {
		t.Errorf("counted = %v, want 7", v)
	}

	if got := s.Keys(); !reflect.DeepEqual(got, []string{"plain", "produced", "callback", "bare", "counted"}) {
		t.Errorf("Keys() = %v", got)
	}
}

func TestLookup(t *testing.T) {
	s := NewStore()
	_ = s.Define(context.Background(), "port", 8080)

	if got, err := Lookup[int](s, "port"); err != nil || got != 8080 {
		t.Errorf("Lookup[int]() = %v, %v", got, err)
	}
	if _, err := Lookup[string](s, "port"); !IsValidation(err) {
		t.Errorf("wrong type error = %v, want validation", err)
	}
	if _, err := Lookup[int](s, "missing"); !IsMissingDependency(err) {
		t.Errorf("missing key error = %v, want missing dependency", err)
	}
}

func TestTagRegistry(t *testing.T) {
	r := NewTagRegistry()

	tests := []struct {
		tag     string
		unit    string
		wantErr func(error) bool
	}{
		{tag: "#storage", unit: "mem"},
		{tag: "#storage", unit: "redis", wantErr: IsDuplicateKey},
		{tag: "#with-dash_1", unit: "mem"},
		{tag: "storage", unit: "mem", wantErr: IsValidation},
		{tag: "#", unit: "mem", wantErr: IsValidation},
		{tag: "#two words", unit: "mem", wantErr: IsValidation},
	}

	for _, tt := range tests {
		err := r.Claim(tt.tag, tt.unit)
		if tt.wantErr == nil && err != nil {
			t.Errorf("Claim(%q) error = %v", tt.tag, err)
		}
		if tt.wantErr != nil && !tt.wantErr(err) {
			t.Errorf("Claim(%q) error = %v", tt.tag, err)
		}
	}

	if owner, _ := r.Owner("#storage"); owner != "mem" {
		t.Errorf("Owner() = %q, want mem", owner)
	}
	if got := r.Tags(); !reflect.DeepEqual(got, []string{"#storage", "#with-dash_1"}) {
		t.Errorf("Tags() = %v", got)
	}
}

func TestErrorIs(t *testing.T) {
	err := stateError(ErrBusy, StateStarting)
	if !errors.Is(err, ErrBusy) {
		t.Error("state error should match ErrBusy")
	}
	if errors.Is(err, ErrNotStarted) {
		t.Error("state error should not match ErrNotStarted")
	}
	if !errors.Is(err, &Error{Kind: KindState}) {
		t.Error("kind-only target should match")
	}
	if got := err.Error(); got != "[state] kernel is busy (key=starting)" {
		t.Errorf("Error() = %q", got)
	}
}
