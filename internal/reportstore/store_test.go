package reportstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("")
	if err != nil {
		t.Fatalf("Open(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_AppliesMigrations(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Summary(domainDNS); err != nil {
		t.Fatalf("Summary against a freshly migrated store: %v", err)
	}
	if _, err := store.ActiveSeries(domainNode, bucketKind10m, 0); err != nil {
		t.Fatalf("ActiveSeries against a freshly migrated store: %v", err)
	}
}

func TestOpen_FileBacked(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "report.duckdb")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	defer store.Close()

	if got := store.Path(); got != dbPath {
		t.Errorf("Path() = %q, want %q", got, dbPath)
	}
	if got := store.DBPath(); got != dbPath {
		t.Errorf("DBPath() = %q, want %q", got, dbPath)
	}
}

func TestSnapshotTo_InMemoryRejected(t *testing.T) {
	store := newTestStore(t)

	if err := store.SnapshotTo(filepath.Join(t.TempDir(), "copy.duckdb")); err == nil {
		t.Fatal("expected SnapshotTo to reject an in-memory store")
	}
}

func TestSnapshotTo_FileBacked(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "report.duckdb")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	m := NewMaterializer(store, nil, nil)
	if err := m.upsertHostHistory(domainDNS, "seed.example.com", 100, 100, true); err != nil {
		t.Fatalf("upsertHostHistory: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "copy.duckdb")
	if err := store.SnapshotTo(dst); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	copied, err := Open(dst)
	if err != nil {
		t.Fatalf("Open(copy): %v", err)
	}
	defer copied.Close()

	summary, err := copied.Summary(domainDNS)
	if err != nil {
		t.Fatalf("Summary(copy): %v", err)
	}
	if summary.HostCount != 1 {
		t.Errorf("copied store host count = %d, want 1", summary.HostCount)
	}
}
