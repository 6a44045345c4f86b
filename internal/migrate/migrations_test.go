package migrate

import (
	"testing"

	"releaseflow/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if v, err := Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh database should report version 0: %d %v", v, err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	version, err := Version(conn)
	if err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
	for _, table := range []string{"releases", "tasks", "events", "outbox", "notifications"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	var index string
	if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name='ux_tasks_one_in_process'`).Scan(&index); err != nil {
		t.Fatalf("active task index missing: %v", err)
	}
}

func TestLoadOrdersByVersion(t *testing.T) {
	migrations, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least two migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Fatalf("migration %s: expected version %d, got %d", m.Name, i+1, m.Version)
		}
		if m.UpSQL == "" {
			t.Fatalf("migration %s is empty", m.Name)
		}
	}
}
