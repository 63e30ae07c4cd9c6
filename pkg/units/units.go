package units

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitkernel/pkg/catalog"
	"github.com/openfroyo/unitkernel/pkg/kernel"
	"github.com/openfroyo/unitkernel/pkg/stores"
)

// Version is the version reported by every stock unit.
const Version = "1.0.0"

// Stock unit names.
const (
	NameHost     = "host"
	NameLogger   = "logger"
	NameMetrics  = "metrics"
	NameMemStore = "memstore"
	NameSQLStore = "sqlstore"
)

// Tags provided by stock units.
const (
	TagLogger  = "#logger"
	TagMetrics = "#metrics"
	TagStorage = "#storage"
)

// Context keys defined by stock units.
const (
	KeyLogger  = "logger"
	KeyMetrics = "metrics"
	KeyStorage = "storage"
)

// Config configures the stock units.
type Config struct {
	// Logger is the base logger published by the logger unit.
	Logger zerolog.Logger

	// Registry is published by the metrics unit; nil creates one per kernel.
	Registry *prometheus.Registry

	// MetricsAddress, when set, is served by the metrics unit while started.
	MetricsAddress string

	// SQLite configures the sqlstore unit.
	SQLite stores.Config

	// Host holds values published by the host unit.
	Host map[string]any
}

// Register adds every stock unit to c.
func Register(c *catalog.Catalog, cfg Config) error {
	sqlite := cfg.SQLite
	if sqlite.Path == "" {
		sqlite.Path = stores.MemoryPath
	}

	stock := []struct {
		name     string
		artifact *kernel.Artifact
	}{
		{NameHost, Host(cfg.Host)},
		{NameLogger, Logger(cfg.Logger)},
		{NameMetrics, Metrics(MetricsConfig{Registry: cfg.Registry, Address: cfg.MetricsAddress})},
		{NameMemStore, MemStore()},
		{NameSQLStore, SQLStore(sqlite)},
	}
	for _, s := range stock {
		if err := c.Register(s.name, s.artifact); err != nil {
			return fmt.Errorf("failed to register stock unit: %w", err)
		}
	}
	return nil
}

// Host returns a unit that publishes values, keys in sorted order. Values
// are published as they are, so nested maps stay map[string]any.
func Host(values map[string]any) *kernel.Artifact {
	return &kernel.Artifact{
		Info: &kernel.Info{Description: "Host-provided values", Version: Version},
		Factory: func(context.Context, *kernel.UnitContext) (*kernel.Record, error) {
			rec := kernel.NewRecord()
			if len(values) == 0 {
				return rec, nil
			}
			define := kernel.NewRecord()
			for _, key := range slices.Sorted(maps.Keys(values)) {
				define.Set(key, values[key])
			}
			return rec.Set(kernel.FieldDefine, define), nil
		},
	}
}

// Logger returns a unit that publishes base under the logger key.
func Logger(base zerolog.Logger) *kernel.Artifact {
	return &kernel.Artifact{
		Info: &kernel.Info{
			Description: "Shared structured logger",
			Version:     Version,
			Provides:    []string{TagLogger},
		},
		Factory: func(context.Context, *kernel.UnitContext) (*kernel.Record, error) {
			return kernel.NewRecord().
				Set(kernel.FieldDefine+"."+KeyLogger, base), nil
		},
	}
}
