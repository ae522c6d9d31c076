package engtimer

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteStateBackendRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStateBackend("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSQLiteStateBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	sqliteBackend := backend.(*SQLiteStateBackend)
	t.Cleanup(func() { _ = sqliteBackend.Close() })

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &persistedState{
		IDCounter:    5,
		EventCounter: 2,
		Users: map[string]*userState{
			"u1": {
				Projects: map[string]Project{"proj_1": {ID: "proj_1", Name: "Alpha"}},
				Tasks:    map[string]Task{},
				TimeLogs: map[string]TimeLog{},
			},
		},
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	saved.Users["u1"].Projects["proj_1"] = Project{ID: "proj_1", Name: "Changed"}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.IDCounter != 5 || loaded.EventCounter != 2 {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
	if loaded.Users["u1"].Projects["proj_1"].Name != "Changed" {
		t.Fatalf("upsert did not replace snapshot: %+v", loaded.Users["u1"].Projects)
	}
}

func TestSQLiteStateBackendBacksAStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	p, err := store.CreateProject("u1", Project{Name: "Durable"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	recoveredBackend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	recovered, err := NewStoreWithOptions(StoreOptions{StateBackend: recoveredBackend})
	if err != nil {
		t.Fatalf("recover store: %v", err)
	}
	t.Cleanup(func() { _ = recovered.Close() })

	got, err := recovered.GetProject("u1", p.ID)
	if err != nil || got.Name != "Durable" {
		t.Fatalf("project did not survive restart: %+v err=%v", got, err)
	}
}
