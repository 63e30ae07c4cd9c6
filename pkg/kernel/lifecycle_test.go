package kernel

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

// chain registers a -> b -> c, where each unit requires the previous one
// and journals every lifecycle hook.
func chain(host *testHost, j *journal, teardownErr map[string]error) {
	prev := ""
	for _, name := range []string{"a", "b", "c"} {
		var info Info
		if prev != "" {
			info.Requires = []string{prev}
		}
		teardown := j.hook("teardown:" + name)
		if err := teardownErr[name]; err != nil {
			teardown = j.failing("teardown:"+name, err)
		}
		host.config(name, info, NewRecord().
			Set(HookStart, j.hook("start:"+name)).
			Set(HookStop, j.hook("stop:"+name)).
			Set(HookTeardown, teardown))
		prev = name
	}
}

func TestStopOrdering(t *testing.T) {
	boom := errors.New("teardown failed")

	tests := []struct {
		name        string
		teardownErr map[string]error
		want        []string
		wantErr     error
	}{
		{
			name: "clean stop",
			want: []string{
				"start:a", "start:b", "start:c",
				"stop:a", "stop:b", "stop:c",
				"teardown:c", "teardown:b", "teardown:a",
			},
		},
		{
			name:        "failing teardown",
			teardownErr: map[string]error{"b": boom},
			want: []string{
				"start:a", "start:b", "start:c",
				"stop:a", "stop:b", "stop:c",
				"teardown:c", "teardown:b",
			},
			wantErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newTestHost()
			j := &journal{}
			chain(host, j, tt.teardownErr)
			k := host.kernel()

			if err := k.Start(context.Background(), "c"); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if k.State() != StateStarted {
				t.Fatalf("State() = %s, want started", k.State())
			}

			err := k.Stop(context.Background())
			if err != tt.wantErr {
				t.Fatalf("Stop() error = %v, want %v", err, tt.wantErr)
			}
			if got := j.list(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("hooks = %v\nwant %v", got, tt.want)
			}
			if k.State() != StateStopped {
				t.Errorf("State() = %s, want stopped", k.State())
			}
		})
	}
}

func TestStateErrors(t *testing.T) {
	t.Run("stop while idle", func(t *testing.T) {
		k := newTestHost().kernel()
		err := k.Stop(context.Background())
		if !errors.Is(err, ErrNotStarted) {
			t.Errorf("Stop() error = %v, want ErrNotStarted", err)
		}
	})

	t.Run("install while installing", func(t *testing.T) {
		host := newTestHost()
		k := host.kernel()
		host.config("inner", Info{}, NewRecord())

		var nested error
		host.add("outer", Info{}, func(ctx context.Context, _ *UnitContext) (*Record, error) {
			nested = k.Install(ctx, "inner")
			return nil, nil
		})

		if err := k.Install(context.Background(), "outer"); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if !errors.Is(nested, ErrBusy) {
			t.Errorf("nested Install() error = %v, want ErrBusy", nested)
		}
		if _, ok := k.Unit("inner"); ok {
			t.Error("nested install should not have run")
		}
	})

	t.Run("start while starting", func(t *testing.T) {
		host := newTestHost()
		k := host.kernel()

		var nested error
		host.config("slow", Info{}, NewRecord().Set(HookStart, func(ctx context.Context) error {
			nested = k.Start(ctx, "slow")
			return nil
		}))

		if err := k.Start(context.Background(), "slow"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if !errors.Is(nested, ErrBusy) {
			t.Errorf("nested Start() error = %v, want ErrBusy", nested)
		}
	})

	t.Run("install after start", func(t *testing.T) {
		host := newTestHost()
		host.config("a", Info{}, NewRecord())
		k := host.kernel()

		if err := k.Start(context.Background(), "a"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := k.Install(context.Background(), "a"); !errors.Is(err, ErrBusy) {
			t.Errorf("Install() error = %v, want ErrBusy", err)
		}
	})

	t.Run("stopped is terminal", func(t *testing.T) {
		host := newTestHost()
		host.config("a", Info{}, NewRecord())
		k := host.kernel()

		if err := k.Start(context.Background(), "a"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := k.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		for _, err := range []error{
			k.Start(context.Background(), "a"),
			k.Install(context.Background(), "a"),
			k.Stop(context.Background()),
		} {
			if !errors.Is(err, ErrStopped) || !IsState(err) {
				t.Errorf("error = %v, want ErrStopped", err)
			}
		}
	})
}

func TestStartFailureReturnsToIdle(t *testing.T) {
	boom := errors.New("start failed")
	host := newTestHost()
	j := &journal{}
	host.config("good", Info{}, NewRecord().Set(HookStart, j.hook("start:good")))
	host.config("bad", Info{Requires: []string{"good"}}, NewRecord().
		Set(HookStart, j.failing("start:bad", boom)))
	k := host.kernel()

	if err := k.Start(context.Background(), "bad"); err != boom {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
	if k.State() != StateIdle {
		t.Errorf("State() = %s, want idle", k.State())
	}
	if got := unitNames(k.Units()); !reflect.DeepEqual(got, []string{"good", "bad"}) {
		t.Errorf("Units() = %v", got)
	}
	if want := []string{"start:good", "start:bad"}; !reflect.DeepEqual(j.list(), want) {
		t.Errorf("hooks = %v, want %v", j.list(), want)
	}
}

func TestLoggerScenario(t *testing.T) {
	type logger struct {
		Prefix string
		Lines  []string
	}

	host := newTestHost()
	host.config("logger", Info{}, NewRecord().Set("define.logger", Producer(func(context.Context) (any, error) {
		return &logger{Prefix: "app"}, nil
	})))
	k := host.kernel()

	if err := k.Start(context.Background(), "logger"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	l, err := Lookup[*logger](k.Context(), "logger")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	keys := k.Context().Keys()

	if err := k.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	after, err := Lookup[*logger](k.Context(), "logger")
	if err != nil || after != l {
		t.Errorf("logger after stop = %v, %v; want the same instance", after, err)
	}
	if !reflect.DeepEqual(k.Context().Keys(), keys) {
		t.Errorf("context keys changed across stop: %v -> %v", keys, k.Context().Keys())
	}
	if after.Prefix != "app" {
		t.Errorf("Prefix = %q, want app", after.Prefix)
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	ops         []string
	transitions []string
}

func (o *recordingObserver) Begin(ctx context.Context, op Operation, unit string) (context.Context, func(error)) {
	return ctx, func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		entry := string(op) + ":" + unit
		if err != nil {
			entry += ":error"
		}
		o.ops = append(o.ops, entry)
	}
}

func (o *recordingObserver) StateChanged(from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, string(from)+"->"+string(to))
}

func TestObserver(t *testing.T) {
	host := newTestHost()
	j := &journal{}
	host.config("a", Info{}, NewRecord().
		Set(HookStart, j.hook("start")).
		Set(HookStop, j.hook("stop")).
		Set(HookShutdown, j.hook("shutdown")))
	obs := &recordingObserver{}
	k := host.kernel(WithObserver(obs))

	if err := k.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := k.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	wantOps := []string{"install:a", "start:a", "stop:a", "teardown:a"}
	if !reflect.DeepEqual(obs.ops, wantOps) {
		t.Errorf("ops = %v, want %v", obs.ops, wantOps)
	}
	wantTransitions := []string{
		"idle->starting", "starting->started",
		"started->stopping", "stopping->teardown", "teardown->stopped",
	}
	if !reflect.DeepEqual(obs.transitions, wantTransitions) {
		t.Errorf("transitions = %v, want %v", obs.transitions, wantTransitions)
	}
}

func TestKernelsAreIndependent(t *testing.T) {
	host := newTestHost()
	host.config("a", Info{Provides: []string{"#x"}}, NewRecord().Set("define.key", 1))

	k1 := host.kernel()
	k2 := host.kernel()
	for _, k := range []*Kernel{k1, k2} {
		if err := k.Start(context.Background(), "a"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if k1.ID() == k2.ID() {
		t.Error("kernels share an ID")
	}
	if host.calls("a") != 2 {
		t.Errorf("factory called %d times, want once per kernel", host.calls("a"))
	}
}
