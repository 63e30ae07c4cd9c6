package units

import (
	"context"
	"fmt"

	"github.com/openfroyo/unitkernel/pkg/kernel"
	"github.com/openfroyo/unitkernel/pkg/stores"
)

// MemStore returns a unit that publishes an in-memory stores.Storage under
// the storage key. Contents are discarded at teardown.
func MemStore() *kernel.Artifact {
	return &kernel.Artifact{
		Info: &kernel.Info{
			Description: "In-memory key/value storage",
			Version:     Version,
			Provides:    []string{TagStorage},
		},
		Factory: func(context.Context, *kernel.UnitContext) (*kernel.Record, error) {
			store := stores.NewMemoryStore()
			return kernel.NewRecord().
				Set(kernel.FieldDefine+"."+KeyStorage, store).
				Set(kernel.HookTeardown, kernel.Hook(func(context.Context) error {
					store.Reset()
					return nil
				})), nil
		},
	}
}

// SQLStore returns a unit that publishes a SQLite-backed stores.Storage
// under the storage key. The database is opened and migrated before the
// key is published and closed at teardown.
func SQLStore(cfg stores.Config) *kernel.Artifact {
	return &kernel.Artifact{
		Info: &kernel.Info{
			Description: "SQLite key/value storage",
			Version:     Version,
			Provides:    []string{TagStorage},
		},
		Factory: func(_ context.Context, uc *kernel.UnitContext) (*kernel.Record, error) {
			store, err := stores.NewSQLiteStore(cfg)
			if err != nil {
				return nil, err
			}
			logger := uc.Logger()

			return kernel.NewRecord().
				Set(kernel.HookPrepare, kernel.Hook(func(ctx context.Context) error {
					if err := store.Init(ctx); err != nil {
						return err
					}
					if err := store.Migrate(ctx); err != nil {
						_ = store.Close()
						return fmt.Errorf("failed to migrate %s: %w", cfg.Path, err)
					}
					logger.Debug().Str("path", cfg.Path).Msg("Storage ready")
					return nil
				})).
				Set(kernel.FieldDefine+"."+KeyStorage, store).
				Set(kernel.HookTeardown, kernel.Hook(func(context.Context) error {
					return store.Close()
				})), nil
		},
	}
}
