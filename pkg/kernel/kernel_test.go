package kernel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// testHost is an in-memory resolver and importer.
type testHost struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	factories map[string]int
	imports   map[string]int
}

func newTestHost() *testHost {
	return &testHost{
		artifacts: make(map[string]*Artifact),
		factories: make(map[string]int),
		imports:   make(map[string]int),
	}
}

// add registers a unit. The factory call count is tracked per name.
func (h *testHost) add(name string, info Info, factory Factory) {
	var counted Factory
	if factory != nil {
		counted = func(ctx context.Context, uc *UnitContext) (*Record, error) {
			h.mu.Lock()
			h.factories[name]++
			h.mu.Unlock()
			return factory(ctx, uc)
		}
	}
	h.artifacts[name] = &Artifact{Info: &info, Factory: counted}
}

// config registers a unit whose factory returns rec.
func (h *testHost) config(name string, info Info, rec *Record) {
	h.add(name, info, func(context.Context, *UnitContext) (*Record, error) {
		return rec, nil
	})
}

func (h *testHost) calls(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.factories[name]
}

func (h *testHost) kernel(opts ...Option) *Kernel {
	resolver := ResolverFunc(func(_ context.Context, name string) (string, error) {
		if _, ok := h.artifacts[name]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownUnit, name)
		}
		return "mem://" + name, nil
	})
	importer := ImporterFunc(func(_ context.Context, locator string) (*Artifact, error) {
		name := strings.TrimPrefix(locator, "mem://")
		h.mu.Lock()
		h.imports[name]++
		h.mu.Unlock()
		return h.artifacts[name], nil
	})
	return New(resolver, importer, opts...)
}

// journal records hook invocations in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) hook(entry string) func(context.Context) error {
	return func(context.Context) error {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.entries = append(j.entries, entry)
		return nil
	}
}

func (j *journal) failing(entry string, err error) func(context.Context) error {
	return func(context.Context) error {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.entries = append(j.entries, entry)
		return err
	}
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func unitNames(units []*Unit) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name()
	}
	return names
}

func TestInstallIdempotent(t *testing.T) {
	host := newTestHost()
	host.config("d", Info{}, NewRecord())
	host.config("b", Info{Requires: []string{"d"}}, NewRecord())
	host.config("c", Info{Requires: []string{"d"}}, NewRecord())
	host.config("a", Info{Requires: []string{"b", "c"}}, NewRecord())

	k := host.kernel()
	ctx := context.Background()

	if err := k.Install(ctx, "a"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := k.Install(ctx, "a"); err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if err := k.Install(ctx, "d"); err != nil {
		t.Fatalf("Install(d) error = %v", err)
	}

	for _, name := range []string{"a", "b", "c", "d"} {
		if got := host.calls(name); got != 1 {
			t.Errorf("factory %s called %d times, want 1", name, got)
		}
	}

	want := []string{"d", "b", "c", "a"}
	if got := unitNames(k.Units()); !reflect.DeepEqual(got, want) {
		t.Errorf("Units() = %v, want %v", got, want)
	}
	if k.State() != StateIdle {
		t.Errorf("State() = %s, want idle", k.State())
	}
}

func TestInstallConcurrentCallers(t *testing.T) {
	host := newTestHost()
	host.config("a", Info{}, NewRecord())
	k := host.kernel()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = k.Install(context.Background(), "a")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrBusy) {
			t.Errorf("caller %d: error = %v, want nil or ErrBusy", i, err)
		}
	}
	if got := host.calls("a"); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if got := len(k.Units()); got != 1 {
		t.Errorf("len(Units()) = %d, want 1", got)
	}
}

func TestDependencyInstalledBeforeReady(t *testing.T) {
	host := newTestHost()
	k := host.kernel()

	host.config("b", Info{}, NewRecord())

	var sawB bool
	host.config("a", Info{Requires: []string{"b"}}, NewRecord().
		Set(HookReady, func(context.Context) error {
			_, sawB = k.Unit("b")
			return nil
		}))

	if err := k.Install(context.Background(), "a"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !sawB {
		t.Error("dependency b was not installed when a's onReady ran")
	}
}

func TestInstallStepOrder(t *testing.T) {
	host := newTestHost()
	j := &journal{}

	host.config("dep", Info{}, NewRecord().
		Set(HookReady, j.hook("dep:ready")))
	host.config("a", Info{Requires: []string{"dep"}}, NewRecord().
		Set(HookBeforeLoad, j.hook("a:beforeLoad")).
		Set(HookPrepare, j.hook("a:prepare")).
		Set("define.value", Producer(func(ctx context.Context) (any, error) {
			_ = j.hook("a:define")(ctx)
			return 1, nil
		})).
		Set(HookReady, j.hook("a:ready")))

	k := host.kernel()
	if err := k.Install(context.Background(), "a"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	want := []string{"a:beforeLoad", "dep:ready", "a:prepare", "a:define", "a:ready"}
	if got := j.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
}

func TestDuplicateContextKey(t *testing.T) {
	tests := []struct {
		name  string
		order []string
	}{
		{name: "first then second", order: []string{"first", "second"}},
		{name: "second then first", order: []string{"second", "first"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newTestHost()
			host.config("first", Info{}, NewRecord().Set("define.shared", 1))
			host.config("second", Info{}, NewRecord().Set("define.shared", 2))
			k := host.kernel()

			err := k.Start(context.Background(), tt.order...)
			if !IsDuplicateKey(err) {
				t.Fatalf("Start() error = %v, want duplicate key", err)
			}
			var kerr *Error
			if !errors.As(err, &kerr) || kerr.Key != "shared" || kerr.Unit != tt.order[1] {
				t.Errorf("error = %+v, want key shared from unit %s", kerr, tt.order[1])
			}
		})
	}
}

func TestDuplicateContextKeySameUnit(t *testing.T) {
	host := newTestHost()
	host.config("twice", Info{}, NewRecord().
		Set("define.shared", 1).
		Set("inject.more", Factory(func(context.Context, *UnitContext) (*Record, error) {
			return NewRecord().Set("define.shared", 2), nil
		})))
	k := host.kernel()

	err := k.Install(context.Background(), "twice")
	if !IsDuplicateKey(err) {
		t.Fatalf("Install() error = %v, want duplicate key", err)
	}
	if _, ok := k.Unit("twice"); ok {
		t.Error("unit recorded despite failed install")
	}
}

func TestDuplicateTagNamesOwner(t *testing.T) {
	host := newTestHost()
	host.config("one", Info{Provides: []string{"#feature"}}, NewRecord())
	host.config("two", Info{}, NewRecord().Set(FieldImplements, []string{"#feature"}))
	k := host.kernel()

	err := k.Start(context.Background(), "one", "two")
	if !IsDuplicateKey(err) {
		t.Fatalf("Start() error = %v, want duplicate key", err)
	}

	var kerr *Error
	if !errors.As(err, &kerr) {
		t.Fatalf("error %T is not *Error", err)
	}
	if kerr.Owner != "one" {
		t.Errorf("Owner = %q, want one", kerr.Owner)
	}
	if kerr.Unit != "two" {
		t.Errorf("Unit = %q, want two", kerr.Unit)
	}
	if !strings.Contains(err.Error(), "owner=one") {
		t.Errorf("Error() = %q, want it to name the owner", err.Error())
	}
}

func TestStorageScenario(t *testing.T) {
	tests := []struct {
		name    string
		units   []string
		owner   string
		wantErr func(error) bool
	}{
		{name: "consumer with mem", units: []string{"consumer", "memStorage"}, owner: "memStorage"},
		{name: "consumer with redis", units: []string{"consumer", "redisStorage"}, owner: "redisStorage"},
		{name: "storage named first", units: []string{"redisStorage", "consumer"}, owner: "redisStorage"},
		{name: "both storages mem first", units: []string{"memStorage", "redisStorage"}, wantErr: IsDuplicateKey},
		{name: "both storages redis first", units: []string{"redisStorage", "memStorage"}, wantErr: IsDuplicateKey},
		{name: "consumer with both", units: []string{"consumer", "memStorage", "redisStorage"}, wantErr: IsDuplicateKey},
		{name: "consumer alone", units: []string{"consumer"}, wantErr: IsMissingDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newTestHost()
			host.config("consumer", Info{Requires: []string{"#storage"}}, NewRecord())
			host.config("memStorage", Info{}, NewRecord().Set(FieldImplements, []string{"#storage"}))
			host.config("redisStorage", Info{Provides: []string{"#storage"}}, NewRecord())
			k := host.kernel()

			err := k.Start(context.Background(), tt.units...)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("Start() error = %v", err)
				}
				if k.State() != StateIdle {
					t.Errorf("State() = %s after failed start, want idle", k.State())
				}
				return
			}
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if got := k.Tags()["#storage"]; got != tt.owner {
				t.Errorf("#storage owner = %q, want %q", got, tt.owner)
			}
		})
	}
}

func TestMissingTagNamesRequirer(t *testing.T) {
	host := newTestHost()
	host.config("consumer", Info{}, NewRecord().Set(FieldRequires, "#cache"))
	host.config("cache", Info{Provides: []string{"#cache"}}, NewRecord())
	k := host.kernel()

	// A tag is never installed by the unit name it resembles.
	err := k.Install(context.Background(), "consumer")
	if !IsMissingDependency(err) {
		t.Fatalf("Install() error = %v, want missing dependency", err)
	}
	var kerr *Error
	if errors.As(err, &kerr) && (kerr.Unit != "consumer" || kerr.Key != "#cache") {
		t.Errorf("error = %+v, want unit consumer and key #cache", kerr)
	}
	if _, ok := k.Unit("cache"); ok {
		t.Error("cache installed by name")
	}
}

func TestPendingProviderWithoutFactory(t *testing.T) {
	host := newTestHost()
	host.config("consumer", Info{Requires: []string{"#queue"}}, NewRecord())
	host.artifacts["queue-impl"] = &Artifact{Info: &Info{Provides: []string{"#queue"}}}
	k := host.kernel()

	if err := k.Start(context.Background(), "consumer", "queue-impl"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := k.Tags()["#queue"]; got != "queue-impl" {
		t.Errorf("#queue owner = %q, want queue-impl", got)
	}
	want := []string{"queue-impl", "consumer"}
	if got := unitNames(k.Units()); !reflect.DeepEqual(got, want) {
		t.Errorf("Units() = %v, want %v", got, want)
	}
}

func TestFactoryErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("boom")
	host := newTestHost()
	host.add("broken", Info{}, func(context.Context, *UnitContext) (*Record, error) {
		return nil, boom
	})
	k := host.kernel()

	for _, call := range []func() error{
		func() error { return k.Install(context.Background(), "broken") },
		func() error { return k.Start(context.Background(), "broken") },
	} {
		if err := call(); err != boom {
			t.Errorf("error = %v, want the factory error itself", err)
		}
	}
	if _, ok := k.Unit("broken"); ok {
		t.Error("broken unit recorded as installed")
	}
}

func TestHookErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("not ready")
	host := newTestHost()
	host.config("dep", Info{}, NewRecord())
	host.config("unit", Info{Requires: []string{"dep"}}, NewRecord().
		Set(HookReady, func(context.Context) error { return boom }))
	k := host.kernel()

	if err := k.Install(context.Background(), "unit"); err != boom {
		t.Fatalf("Install() error = %v, want %v", err, boom)
	}
	if _, ok := k.Unit("unit"); ok {
		t.Error("unit recorded despite failing onReady")
	}
	if _, ok := k.Unit("dep"); !ok {
		t.Error("dependency should stay installed")
	}
}

func TestDependencyCycle(t *testing.T) {
	host := newTestHost()
	host.config("root", Info{Requires: []string{"a"}}, NewRecord())
	host.config("a", Info{Requires: []string{"b"}}, NewRecord())
	host.config("b", Info{Requires: []string{"a"}}, NewRecord())
	k := host.kernel()

	err := k.Install(context.Background(), "root")
	if !IsReentrancy(err) {
		t.Fatalf("Install() error = %v, want reentrancy", err)
	}

	var kerr *Error
	errors.As(err, &kerr)
	if want := []string{"a", "b", "a"}; !reflect.DeepEqual(kerr.Path, want) {
		t.Errorf("Path = %v, want %v", kerr.Path, want)
	}
	if len(k.Units()) != 0 {
		t.Errorf("Units() = %v, want none", unitNames(k.Units()))
	}
}

func TestImportErrors(t *testing.T) {
	host := newTestHost()
	host.config("needs-ghost", Info{Requires: []string{"ghost"}}, NewRecord())
	host.artifacts["no-info"] = &Artifact{}
	k := host.kernel()

	err := k.Install(context.Background(), "needs-ghost")
	if !IsImport(err) {
		t.Fatalf("Install() error = %v, want import", err)
	}
	if !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("error %v does not wrap ErrUnknownUnit", err)
	}

	err = k.Install(context.Background(), "no-info")
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Kind != KindImport || kerr.Locator != "mem://no-info" {
		t.Errorf("Install(no-info) error = %v, want import error with locator", err)
	}

	if New(nil, nil).Install(context.Background(), "x") == nil {
		t.Error("kernel without resolver should fail")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		rec     *Record
		wantKey string
	}{
		{name: "misspelt hook", rec: NewRecord().Set("onStartt", func(context.Context) error { return nil }), wantKey: "onStartt"},
		{name: "hook of wrong type", rec: NewRecord().Set(HookStart, "later"), wantKey: HookStart},
		{name: "requires not a list", rec: NewRecord().Set(FieldRequires, 5), wantKey: FieldRequires},
		{name: "define not a record", rec: NewRecord().Set(FieldDefine, []string{"x"}), wantKey: FieldDefine},
		{name: "register value not a processor", rec: NewRecord().Set("register.routes", 1), wantKey: "register.routes"},
		{name: "provides bad tag syntax", rec: NewRecord().Set(FieldProvides, []string{"storage"}), wantKey: "storage"},
		{name: "info bad tag syntax", info: Info{Provides: []string{"#bad tag"}}, rec: NewRecord(), wantKey: "Info.Provides[0]"},
		{name: "info bad version", info: Info{Version: "one"}, rec: NewRecord(), wantKey: "Info.Version"},
		{name: "teardown and shutdown", rec: NewRecord().
			Set(HookTeardown, func(context.Context) error { return nil }).
			Set(HookShutdown, func(context.Context) error { return nil }), wantKey: HookShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newTestHost()
			host.config("unit", tt.info, tt.rec)
			k := host.kernel()

			err := k.Install(context.Background(), "unit")
			if !IsValidation(err) {
				t.Fatalf("Install() error = %v, want validation", err)
			}
			var kerr *Error
			errors.As(err, &kerr)
			if kerr.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", kerr.Key, tt.wantKey)
			}
			if kerr.Unit != "unit" {
				t.Errorf("Unit = %q, want unit", kerr.Unit)
			}
		})
	}
}

func TestDottedKeysMatchNested(t *testing.T) {
	host := newTestHost()
	host.config("dotted", Info{}, NewRecord().Set("a.b.c", 5))
	host.config("nested", Info{}, NewRecord().Set("a", map[string]any{
		"b": map[string]any{"c": 5},
	}))
	k := host.kernel()

	if err := k.Start(context.Background(), "dotted", "nested"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	dotted, _ := k.Unit("dotted")
	nested, _ := k.Unit("nested")
	dv, _ := dotted.Fragment("a")
	nv, _ := nested.Fragment("a")

	dr, _ := asRecord(dv)
	nr, _ := asRecord(nv)
	if !reflect.DeepEqual(dr.Map(), nr.Map()) {
		t.Errorf("dotted a = %v, nested a = %v", dr.Map(), nr.Map())
	}
}

func TestDottedDefineIsPublished(t *testing.T) {
	host := newTestHost()
	host.config("cfg", Info{}, NewRecord().
		Set("define.ttl", 30).
		Set(FieldDefine, map[string]any{"region": "eu"}))
	k := host.kernel()

	if err := k.Install(context.Background(), "cfg"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	// The later plain define replaces the earlier expanded one at the same path.
	if _, ok := k.Context().Get("ttl"); ok {
		t.Error("ttl should be replaced by the later define key")
	}
	if got, _ := Lookup[string](k.Context(), "region"); got != "eu" {
		t.Errorf("region = %q, want eu", got)
	}
}

func TestUnitNameIsIndependentOfConfig(t *testing.T) {
	host := newTestHost()
	host.config("real", Info{}, NewRecord().Set("name", "impostor"))
	k := host.kernel()

	if err := k.Install(context.Background(), "real"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	u, ok := k.Unit("real")
	if !ok || u.Name() != "real" {
		t.Fatalf("Unit(real) = %v, %v", u, ok)
	}
	if v, _ := u.Fragment("name"); v != "impostor" {
		t.Errorf("name fragment = %v, want impostor", v)
	}
}

type denyUnit struct{ name string }

func (d denyUnit) Admit(_ context.Context, req AdmissionRequest) error {
	if req.Unit == d.name {
		return fmt.Errorf("unit %s is not allowed", req.Unit)
	}
	return nil
}

func TestAdmissionDenied(t *testing.T) {
	host := newTestHost()
	host.config("ok", Info{Requires: []string{"banned"}}, NewRecord())
	host.config("banned", Info{}, NewRecord())
	k := host.kernel(WithAdmitter(denyUnit{name: "banned"}))

	err := k.Install(context.Background(), "ok")
	if !IsPolicy(err) {
		t.Fatalf("Install() error = %v, want policy", err)
	}
	if host.calls("banned") != 0 {
		t.Error("factory of a denied unit ran")
	}
}

func TestUnitContextBindings(t *testing.T) {
	host := newTestHost()
	host.config("provider", Info{}, NewRecord().Set("define.unit", "shadowed").Set("define.greeting", "hi"))

	var (
		unitBinding any
		greeting    string
		setErr      error
	)
	host.add("reader", Info{Requires: []string{"provider"}}, func(_ context.Context, uc *UnitContext) (*Record, error) {
		unitBinding, _ = uc.Get(BindingUnit)
		return NewRecord().Set(HookReady, func(context.Context) error {
			var err error
			greeting, err = Lookup[string](uc, "greeting")
			return err
		}), nil
	})
	host.add("validator", Info{}, func(_ context.Context, uc *UnitContext) (*Record, error) {
		type cfg struct {
			Port int `validate:"min=1"`
		}
		setErr = uc.Validate(cfg{})
		return nil, nil
	})
	k := host.kernel()

	if err := k.Start(context.Background(), "reader", "validator"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if unitBinding != "reader" {
		t.Errorf("unit binding = %v, want reader", unitBinding)
	}
	if greeting != "hi" {
		t.Errorf("greeting = %q, want hi", greeting)
	}
	if !IsValidation(setErr) {
		t.Errorf("Validate() error = %v, want validation", setErr)
	}
}
