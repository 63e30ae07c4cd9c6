package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// setupTestStore creates a migrated in-memory SQLite store.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStorageContract(t *testing.T) {
	backends := map[string]func(t *testing.T) Storage{
		"memory": func(*testing.T) Storage { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Storage { return setupTestStore(t) },
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
			if err := s.Put(ctx, "", []byte("x")); err == nil {
				t.Error("Put() with empty key should fail")
			}

			for _, kv := range [][2]string{{"users/2", "bob"}, {"users/1", "alice"}, {"groups/1", "admins"}} {
				if err := s.Put(ctx, kv[0], []byte(kv[1])); err != nil {
					t.Fatalf("Put(%s) error = %v", kv[0], err)
				}
			}
			if err := s.Put(ctx, "users/1", []byte("alicia")); err != nil {
				t.Fatalf("Put(overwrite) error = %v", err)
			}

			got, err := s.Get(ctx, "users/1")
			if err != nil || string(got) != "alicia" {
				t.Errorf("Get(users/1) = %q, %v", got, err)
			}

			entries, err := s.List(ctx, "users/")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(entries) != 2 || entries[0].Key != "users/1" || entries[1].Key != "users/2" {
				t.Errorf("List(users/) = %+v", entries)
			}
			if entries[0].UpdatedAt.IsZero() {
				t.Error("UpdatedAt not set")
			}

			all, _ := s.List(ctx, "")
			if len(all) != 3 {
				t.Errorf("List(\"\") = %d entries, want 3", len(all))
			}

			if err := s.Delete(ctx, "users/1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete(ctx, "users/1"); err != nil {
				t.Errorf("Delete(missing) error = %v", err)
			}
			if _, err := s.Get(ctx, "users/1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(deleted) error = %v", err)
			}
		})
	}
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("NewSQLiteStore() without a path should fail")
	}

	path := filepath.Join(t.TempDir(), "units.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("Migrate() before Init should fail")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() after Close should fail")
	}

	// Reopening runs no migrations and keeps the data.
	reopened, _ := NewSQLiteStore(Config{Path: path})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if v, err := reopened.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Errorf("Get() after reopen = %q, %v", v, err)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("value")
	_ = s.Put(ctx, "k", buf)
	buf[0] = 'X'

	got, _ := s.Get(ctx, "k")
	if string(got) != "value" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
	got[0] = 'Y'
	again, _ := s.Get(ctx, "k")
	if string(again) != "value" {
		t.Errorf("returned value aliased store: %q", again)
	}

	s.Reset()
	if s.Len() != 0 {
		t.Errorf("Len() after Reset = %d", s.Len())
	}
}
