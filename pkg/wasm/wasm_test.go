package wasm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// Minimal WebAssembly encoder for hand-built test modules.

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func str(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(payload)))...), payload...)
}

func body(code ...byte) []byte {
	b := append([]byte{0x00}, code...)
	b = append(b, 0x0b)
	return append(uleb(uint64(len(b))), b...)
}

const (
	inputOffset = 1024
	dataOffset  = 2048
)

// buildModule assembles a unit module whose malloc returns a fixed buffer,
// whose free does nothing and whose factory runs factoryCode. data, if
// any, is placed at dataOffset.
func buildModule(factoryCode, data []byte, exportFactory bool) []byte {
	exports := [][]byte{
		append(str(ExportMemory), 0x02, 0x00),
		append(str(ExportMalloc), 0x00, 0x00),
		append(str(ExportFree), 0x00, 0x01),
	}
	if exportFactory {
		exports = append(exports, append(str(ExportFactory), 0x00, 0x02))
	}

	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	mod = append(mod, section(1, vec(
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},       // (i32) -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00},             // (i32) -> ()
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}, // (i32, i32) -> i64
	))...)
	mod = append(mod, section(3, vec([]byte{0}, []byte{1}, []byte{2}))...)
	mod = append(mod, section(5, vec([]byte{0x00, 0x01}))...)
	mod = append(mod, section(7, vec(exports...))...)
	mod = append(mod, section(10, vec(
		body(append([]byte{0x41}, sleb(inputOffset)...)...),
		body(),
		body(factoryCode...),
	))...)
	if data != nil {
		seg := append([]byte{0x00, 0x41}, sleb(dataOffset)...)
		seg = append(seg, 0x0b)
		seg = append(seg, str(string(data))...)
		mod = append(mod, section(11, vec(seg))...)
	}
	return mod
}

// constantModule returns data from every factory call.
func constantModule(data string) []byte {
	packed := int64(dataOffset)<<32 | int64(len(data))
	return buildModule(append([]byte{0x42}, sleb(packed)...), []byte(data), true)
}

// echoModule returns its input.
func echoModule() []byte {
	return buildModule([]byte{
		0x20, 0x00, 0xad, // local.get 0; i64.extend_i32_u
		0x42, 0x20, 0x86, // i64.const 32; i64.shl
		0x20, 0x01, 0xad, // local.get 1; i64.extend_i32_u
		0x84, // i64.or
	}, nil, true)
}

func newKernel(artifacts map[string]*kernel.Artifact) *kernel.Kernel {
	return kernel.New(
		kernel.ResolverFunc(func(_ context.Context, name string) (string, error) { return name, nil }),
		kernel.ImporterFunc(func(_ context.Context, loc string) (*kernel.Artifact, error) { return artifacts[loc], nil }),
	)
}

func load(t *testing.T, binary []byte, opts ...Option) *Module {
	t.Helper()
	m, err := Load(context.Background(), "test.wasm", binary, opts...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		binary  []byte
		wantErr string
	}{
		{name: "valid", binary: constantModule(`{}`)},
		{name: "garbage", binary: []byte("not a module"), wantErr: "failed to compile"},
		{name: "missing factory", binary: buildModule([]byte{0x42, 0x00}, nil, false), wantErr: "does not export factory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Load(context.Background(), "test.wasm", tt.binary)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				_ = m.Close(context.Background())
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestFactoryDefines(t *testing.T) {
	ctx := context.Background()
	m := load(t, constantModule(`{"description":"calculator","define":{"answer":42,"ratio":0.5},"tags":["a","b"]}`))

	k := newKernel(map[string]*kernel.Artifact{
		"calc": {Info: &kernel.Info{}, Factory: m.Factory()},
	})
	if err := k.Start(ctx, "calc"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got, err := kernel.Lookup[int](k.Context(), "answer"); err != nil || got != 42 {
		t.Errorf("answer = %d, %v", got, err)
	}
	if got, err := kernel.Lookup[float64](k.Context(), "ratio"); err != nil || got != 0.5 {
		t.Errorf("ratio = %v, %v", got, err)
	}

	u, _ := k.Unit("calc")
	tags, _ := u.Fragment("tags")
	if list, ok := tags.([]any); !ok || len(list) != 2 {
		t.Errorf("tags fragment = %#v", tags)
	}

	// Teardown closes the runtime.
	if err := k.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestFactoryReceivesRequest(t *testing.T) {
	ctx := context.Background()
	m := load(t, echoModule(), WithConfig(map[string]any{"mode": "fast"}))

	k := newKernel(map[string]*kernel.Artifact{
		"base": {
			Info: &kernel.Info{},
			Factory: func(context.Context, *kernel.UnitContext) (*kernel.Record, error) {
				return kernel.NewRecord().
					Set("define.region", "eu-west").
					Set("define.handler", kernel.Hook(func(context.Context) error { return nil })), nil
			},
		},
		"echo": {Info: &kernel.Info{}, Factory: m.Factory()},
	})
	if err := k.Start(ctx, "base", "echo"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	u, _ := k.Unit("echo")
	if name, _ := u.Fragment("unit"); name != "echo" {
		t.Errorf("unit = %v", name)
	}

	v, _ := u.Fragment("context")
	published, ok := v.(*kernel.Record)
	if !ok {
		t.Fatalf("context fragment = %#v", v)
	}
	if region, _ := published.Get("region"); region != "eu-west" {
		t.Errorf("context.region = %v", region)
	}
	if published.Has("handler") {
		t.Error("functions should not be sent to the module")
	}

	v, _ = u.Fragment("config")
	config, ok := v.(*kernel.Record)
	if !ok {
		t.Fatalf("config fragment = %#v", v)
	}
	if mode, _ := config.Get("mode"); mode != "fast" {
		t.Errorf("config.mode = %v", mode)
	}
}

func TestFactoryErrors(t *testing.T) {
	tests := []struct {
		name    string
		binary  []byte
		opts    []Option
		wantErr string
	}{
		{name: "error result", binary: constantModule(`{"error":"no license"}`), wantErr: "factory error: no license"},
		{name: "not an object", binary: constantModule(`[1,2]`), wantErr: "must return a JSON object"},
		{name: "bad json", binary: constantModule(`{"a":`), wantErr: "invalid factory result"},
		{name: "trap", binary: buildModule([]byte{0x00}, nil, true), wantErr: "factory failed"},
		{
			name: "timeout",
			// loop { br 0 }; unreachable
			binary:  buildModule([]byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00}, nil, true),
			opts:    []Option{WithTimeout(50 * time.Millisecond)},
			wantErr: "factory failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := load(t, tt.binary, tt.opts...)
			k := newKernel(map[string]*kernel.Artifact{
				"bad": {Info: &kernel.Info{}, Factory: m.Factory()},
			})

			err := k.Start(context.Background(), "bad")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Start() error = %v, want %q", err, tt.wantErr)
			}
			if !strings.Contains(err.Error(), "test.wasm") {
				t.Errorf("error should name the module: %v", err)
			}
		})
	}
}

func TestEmptyResult(t *testing.T) {
	m := load(t, buildModule([]byte{0x42, 0x00}, nil, true))
	k := newKernel(map[string]*kernel.Artifact{
		"noop": {Info: &kernel.Info{}, Factory: m.Factory()},
	})
	if err := k.Start(context.Background(), "noop"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
