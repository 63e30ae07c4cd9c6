package units

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// PipelineCollectors is the pipeline through which units hand Prometheus
// collectors to the metrics unit.
const PipelineCollectors = "collectors"

// MetricsConfig configures the metrics unit.
type MetricsConfig struct {
	// Registry is published under the metrics key; nil creates one per kernel.
	Registry *prometheus.Registry

	// Address is served with the registry's handler while the kernel is started.
	Address string

	// Path defaults to /metrics.
	Path string
}

// Metrics returns a unit that publishes a Prometheus registry and registers
// the collectors other units carry under the collectors pipeline.
//
// A unit contributes collectors with a record of named collectors:
//
//	kernel.NewRecord().Set("collectors.requests", requestCounter)
func Metrics(cfg MetricsConfig) *kernel.Artifact {
	return &kernel.Artifact{
		Info: &kernel.Info{
			Description: "Prometheus registry and collector pipeline",
			Version:     Version,
			Provides:    []string{TagMetrics},
		},
		Factory: func(_ context.Context, uc *kernel.UnitContext) (*kernel.Record, error) {
			reg := cfg.Registry
			if reg == nil {
				reg = prometheus.NewRegistry()
			}
			srv := &metricsServer{registry: reg, address: cfg.Address, path: cfg.Path}
			logger := uc.Logger()

			return kernel.NewRecord().
				Set(kernel.FieldDefine+"."+KeyMetrics, reg).
				Set(kernel.FieldRegister+"."+PipelineCollectors, kernel.Processor(
					func(_ context.Context, fragment any, unit *kernel.Unit) ([]*kernel.Record, error) {
						n, err := registerCollectors(reg, fragment)
						if err != nil {
							return nil, fmt.Errorf("unit %s: %w", unit.Name(), err)
						}
						logger.Debug().Str("from", unit.Name()).Int("collectors", n).Msg("Collectors registered")
						return nil, nil
					})).
				Set(kernel.HookStart, kernel.Hook(func(ctx context.Context) error {
					if srv.address == "" {
						return nil
					}
					if err := srv.start(); err != nil {
						return err
					}
					logger.Info().Str("address", srv.Addr()).Msg("Serving metrics")
					return nil
				})).
				Set(kernel.HookStop, kernel.Hook(srv.stop)), nil
		},
	}
}

// registerCollectors registers every collector in fragment, which must be
// a record of collectors. Collectors already registered are skipped.
func registerCollectors(reg prometheus.Registerer, fragment any) (int, error) {
	rec, ok := fragment.(*kernel.Record)
	if !ok {
		return 0, fmt.Errorf("collectors must be a record, got %T", fragment)
	}

	n := 0
	for _, name := range rec.Keys() {
		v, _ := rec.Get(name)
		c, ok := v.(prometheus.Collector)
		if !ok {
			return n, fmt.Errorf("collector %s has type %T", name, v)
		}
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return n, fmt.Errorf("failed to register collector %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

type metricsServer struct {
	registry *prometheus.Registry
	address  string
	path     string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func (s *metricsServer) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path
	if path == "" {
		path = "/metrics"
	}

	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.listener = ln

	go func(srv *http.Server) {
		_ = srv.Serve(ln)
	}(s.server)
	return nil
}

// Addr returns the bound address, or "" when not serving.
func (s *metricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *metricsServer) stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}
