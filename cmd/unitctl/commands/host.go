package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitkernel/pkg/catalog"
	"github.com/openfroyo/unitkernel/pkg/config"
	"github.com/openfroyo/unitkernel/pkg/kernel"
	"github.com/openfroyo/unitkernel/pkg/manifest"
	"github.com/openfroyo/unitkernel/pkg/policy"
	"github.com/openfroyo/unitkernel/pkg/script"
	"github.com/openfroyo/unitkernel/pkg/telemetry"
	"github.com/openfroyo/unitkernel/pkg/units"
	"github.com/openfroyo/unitkernel/pkg/wasm"
)

// host wires one kernel to its collaborators.
type host struct {
	id       string
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	source   *manifest.Source
	stock    *catalog.Catalog
	policies *policy.Engine
	kernel   *kernel.Kernel
}

func newHost(ctx context.Context, cfg *config.Config) (*host, error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	h := &host{
		id:  uuid.NewString(),
		cfg: cfg,
		tel: tel,
	}
	h.logger = tel.Logger.WithKernel(h.id).Zerolog()

	if err := h.init(ctx); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	return h, nil
}

func (h *host) init(ctx context.Context) error {
	loader, err := manifest.NewLoader()
	if err != nil {
		return err
	}
	h.source = manifest.NewSource(loader, h.cfg.SearchPaths,
		manifest.WithLogger(h.logger),
		manifest.WithScriptOptions(script.WithTimeout(h.cfg.Timeout)),
		manifest.WithWASMOptions(wasm.WithTimeout(h.cfg.Timeout)),
	)

	h.stock = catalog.New()
	if err := units.Register(h.stock, units.Config{
		Logger:   h.logger,
		Registry: h.tel.Metrics.Registry(),
		SQLite:   h.cfg.Storage,
		Host:     h.cfg.Host,
	}); err != nil {
		return err
	}

	policyOpts := []policy.Option{policy.WithDecisionHook(h.recordDecision)}
	if h.cfg.DisableBuiltinPolicies {
		policyOpts = append(policyOpts, policy.WithoutBuiltins())
	}
	h.policies, err = policy.NewEngine(h.logger, policyOpts...)
	if err != nil {
		return err
	}
	if len(h.cfg.PolicyPaths) > 0 && !h.cfg.WatchPolicies {
		if err := h.policies.LoadPolicies(ctx, h.cfg.PolicyPaths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	// Manifests shadow stock units of the same name.
	chain := catalog.NewChain(h.source, h.stock)
	h.kernel = kernel.New(chain, chain,
		kernel.WithID(h.id),
		kernel.WithLogger(h.logger),
		kernel.WithObserver(h.tel.Observer(h.id)),
		kernel.WithAdmitter(h.policies),
	)
	return nil
}

// watchPolicies loads and then hot-reloads the policy paths until ctx ends.
func (h *host) watchPolicies(ctx context.Context) error {
	if !h.cfg.WatchPolicies || len(h.cfg.PolicyPaths) == 0 {
		return nil
	}
	return h.policies.Watch(ctx, h.cfg.PolicyPaths)
}

func (h *host) recordDecision(d policy.Decision) {
	if d.Allowed {
		h.tel.Metrics.RecordAdmission("allowed")
		return
	}
	h.tel.Metrics.RecordAdmission("denied")

	msgs := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		msgs[i] = v.String()
	}
	_ = h.tel.Events.PublishAdmissionDenied(d.Unit, msgs)
}

// withTimeout bounds ctx by the configured timeout, if any.
func (h *host) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.cfg.Timeout)
}

func (h *host) close(ctx context.Context) error {
	return h.tel.Shutdown(ctx)
}
