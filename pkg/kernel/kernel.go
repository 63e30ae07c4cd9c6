package kernel

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// builtinOwner owns the processors the kernel registers itself.
const builtinOwner = "kernel"

// Kernel installs units and drives them through the shared lifecycle.
// All state lives in the instance; kernels are fully independent.
type Kernel struct {
	id       string
	resolver Resolver
	importer Importer
	admitter Admitter
	observer Observer
	logger   zerolog.Logger
	validate *validator.Validate

	// mu guards state.
	mu    sync.Mutex
	state State

	store    *Store
	tags     *TagRegistry
	pipeline *Pipeline

	// tableMu guards units and order, which accessors read concurrently.
	tableMu sync.RWMutex
	units   map[string]*Unit
	order   []string

	// Install-time bookkeeping. Only the caller that moved the controller
	// out of idle touches these.
	installing map[string]bool
	stack      []string
	building   []*Unit
	artifacts  map[string]*loaded
	pending    []string

	startQueue    []queued
	stopQueue     []queued
	teardownQueue []queued
}

type queued struct {
	unit string
	hook Hook
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger. Unit loggers derive from it.
func WithLogger(logger zerolog.Logger) Option {
	return func(k *Kernel) {
		k.logger = logger
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(k *Kernel) {
		if o != nil {
			k.observer = o
		}
	}
}

// WithAdmitter sets the admission check consulted before each unit's factory runs.
func WithAdmitter(a Admitter) Option {
	return func(k *Kernel) {
		k.admitter = a
	}
}

// WithID overrides the generated instance ID.
func WithID(id string) Option {
	return func(k *Kernel) {
		if id != "" {
			k.id = id
		}
	}
}

// WithValidator sets the validator used for unit Info and UnitContext.Validate.
// The unittag and unitref validations are registered on it.
func WithValidator(v *validator.Validate) Option {
	return func(k *Kernel) {
		if v != nil {
			registerValidations(v)
			k.validate = v
		}
	}
}

// New creates a kernel around the host's resolver and importer.
func New(resolver Resolver, importer Importer, opts ...Option) *Kernel {
	k := &Kernel{
		id:         uuid.NewString(),
		resolver:   resolver,
		importer:   importer,
		observer:   nopObserver{},
		logger:     zerolog.Nop(),
		validate:   newValidator(),
		state:      StateIdle,
		store:      NewStore(),
		tags:       NewTagRegistry(),
		pipeline:   NewPipeline(),
		units:      make(map[string]*Unit),
		installing: make(map[string]bool),
		artifacts:  make(map[string]*loaded),
	}

	for _, opt := range opts {
		opt(k)
	}

	k.logger = k.logger.With().
		Str("component", "kernel").
		Str("kernel_id", k.id).
		Logger()

	// The inject pipeline is registered before any unit exists, so it cannot collide.
	_ = k.pipeline.Register(builtinOwner, PipelineInject, k.inject)

	return k
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	registerValidations(v)
	return v
}

func registerValidations(v *validator.Validate) {
	_ = v.RegisterValidation("unittag", func(fl validator.FieldLevel) bool {
		return ValidTag(fl.Field().String())
	})
	_ = v.RegisterValidation("unitref", func(fl validator.FieldLevel) bool {
		return validUnitRef(fl.Field().String())
	})
}

// ID returns the kernel instance ID used in logs and telemetry.
func (k *Kernel) ID() string {
	return k.id
}

// Unit returns an installed unit.
func (k *Kernel) Unit(name string) (*Unit, bool) {
	k.tableMu.RLock()
	defer k.tableMu.RUnlock()
	u, ok := k.units[name]
	return u, ok
}

// Units returns the installed units in install order.
func (k *Kernel) Units() []*Unit {
	k.tableMu.RLock()
	defer k.tableMu.RUnlock()
	out := make([]*Unit, 0, len(k.order))
	for _, name := range k.order {
		out = append(out, k.units[name])
	}
	return out
}

// Context returns a read-only view of the shared context.
func (k *Kernel) Context() View {
	return k.store
}

// Tags returns the current tag to owner mapping.
func (k *Kernel) Tags() map[string]string {
	return k.tags.Snapshot()
}

// Pipelines returns the known pipeline names in registration order.
func (k *Kernel) Pipelines() []string {
	return k.pipeline.Names()
}

func (k *Kernel) newUnitContext(name string) *UnitContext {
	return newUnitContext(name, k.store, k.logger, k.validate, k.importer)
}
