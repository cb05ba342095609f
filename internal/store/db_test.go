package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 9 {
		t.Errorf("SchemaVersion = %d, want 9", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_versions", "entities", "facts", "behaviors", "relationships",
		"patterns", "memory_jobs", "memory_operations", "entity_vectors", "scheduler_runs",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestActiveNameUniqueness(t *testing.T) {
	db := testDB(t)

	if err := db.CreateEntity(&Entity{Name: "Jordan", Type: "person"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same normalized name while active must be rejected.
	err := db.CreateEntity(&Entity{Name: "  jordan ", Type: "person"})
	if err == nil {
		t.Fatal("expected unique violation for duplicate active name")
	}

	// Archiving frees the name for reuse.
	ent, err := db.GetActiveEntityByName("Jordan")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if err := db.ArchiveEntity(ent.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := db.CreateEntity(&Entity{Name: "Jordan", Type: "person"}); err != nil {
		t.Fatalf("create after archive: %v", err)
	}
}
