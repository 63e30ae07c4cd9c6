package kernel

import (
	"context"
	"strings"
)

// State is the controller state of a kernel.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateStarting   State = "starting"
	StateStarted    State = "started"
	StateStopping   State = "stopping"
	StateTeardown   State = "teardown"
	StateStopped    State = "stopped"
)

// State returns the current controller state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// transition moves the controller from `from` to `to`, or returns the state
// error for the current state. A stopped kernel always reports ErrStopped.
func (k *Kernel) transition(from, to State, sentinel *Error) error {
	k.mu.Lock()
	current := k.state
	if current != from {
		k.mu.Unlock()
		if current == StateStopped {
			return stateError(ErrStopped, current)
		}
		return stateError(sentinel, current)
	}
	k.state = to
	k.mu.Unlock()

	k.notify(from, to)
	return nil
}

func (k *Kernel) setState(to State) {
	k.mu.Lock()
	from := k.state
	k.state = to
	k.mu.Unlock()

	k.notify(from, to)
}

func (k *Kernel) notify(from, to State) {
	k.logger.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Kernel state changed")
	k.observer.StateChanged(from, to)
}

// Install installs name and everything it requires. Start hooks of the
// new units are queued, not run.
func (k *Kernel) Install(ctx context.Context, name string) error {
	if err := k.transition(StateIdle, StateInstalling, ErrBusy); err != nil {
		return err
	}
	defer k.setState(StateIdle)

	return k.install(ctx, name, "")
}

// Start installs names in order, then drains the start queue. Units not yet
// installed that are named later in the same call are preferred as
// providers for unowned tags. On failure the kernel returns to idle with
// whatever was installed or started before the error.
func (k *Kernel) Start(ctx context.Context, names ...string) error {
	if err := k.transition(StateIdle, StateStarting, ErrBusy); err != nil {
		return err
	}

	k.logger.Info().
		Str("units", strings.Join(names, ",")).
		Msg("Starting kernel")

	if err := k.start(ctx, names); err != nil {
		k.logger.Error().Err(err).Msg("Kernel start failed")
		k.setState(StateIdle)
		return err
	}

	k.setState(StateStarted)
	k.logger.Info().Int("units", len(k.Units())).Msg("Kernel started")
	return nil
}

func (k *Kernel) start(ctx context.Context, names []string) error {
	defer func() { k.pending = nil }()

	for i, name := range names {
		k.pending = names[i+1:]
		if err := k.install(ctx, name, ""); err != nil {
			return err
		}
	}
	k.pending = nil

	for len(k.startQueue) > 0 {
		q := k.startQueue[0]
		k.startQueue = k.startQueue[1:]
		if err := k.run(ctx, OpStart, q); err != nil {
			return err
		}
	}
	return nil
}

// Stop runs every stop hook in install order, then every teardown hook in
// reverse install order. The kernel ends stopped even if a hook fails; the
// first failure aborts the remaining hooks and is returned.
func (k *Kernel) Stop(ctx context.Context) error {
	if err := k.transition(StateStarted, StateStopping, ErrNotStarted); err != nil {
		return err
	}
	defer k.setState(StateStopped)

	k.logger.Info().Msg("Stopping kernel")

	for _, q := range k.stopQueue {
		if err := k.run(ctx, OpStop, q); err != nil {
			k.logger.Error().Err(err).Str("unit", q.unit).Msg("Stop hook failed")
			return err
		}
	}

	k.setState(StateTeardown)
	for _, q := range k.teardownQueue {
		if err := k.run(ctx, OpTeardown, q); err != nil {
			k.logger.Error().Err(err).Str("unit", q.unit).Msg("Teardown hook failed")
			return err
		}
	}

	k.logger.Info().Msg("Kernel stopped")
	return nil
}

func (k *Kernel) run(ctx context.Context, op Operation, q queued) error {
	ctx, done := k.observer.Begin(ctx, op, q.unit)
	err := q.hook(ctx)
	done(err)
	return err
}

// enqueue records the deferred hooks of a layer. Teardown hooks go to the
// head so they run in reverse install order.
func (k *Kernel) enqueue(unit string, h Hooks) {
	if h.Start != nil {
		k.startQueue = append(k.startQueue, queued{unit: unit, hook: h.Start})
	}
	if h.Stop != nil {
		k.stopQueue = append(k.stopQueue, queued{unit: unit, hook: h.Stop})
	}
	if h.Teardown != nil {
		k.teardownQueue = append([]queued{{unit: unit, hook: h.Teardown}}, k.teardownQueue...)
	}
}
