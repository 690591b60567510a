package store

import (
	"io/fs"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"inkpad/api/db/migrations"
)

func TestMigrationVersionsFiltersAndSorts(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_column.up.sql": {Data: []byte("ALTER TABLE documents ADD COLUMN x TEXT")},
		"0001_init.up.sql":       {Data: []byte("CREATE TABLE documents ()")},
		"0001_init.down.sql":     {Data: []byte("DROP TABLE documents")},
		"README.md":              {Data: []byte("notes")},
	}

	versions, err := migrationVersions(fsys)
	if err != nil {
		t.Fatalf("migrationVersions() error = %v", err)
	}
	want := []string{"0001_init.up.sql", "0002_add_column.up.sql"}
	if !reflect.DeepEqual(versions, want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
}

func TestEmbeddedMigrationSetIsWellFormed(t *testing.T) {
	versions, err := migrationVersions(migrations.Files)
	if err != nil {
		t.Fatalf("migrationVersions() error = %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("no embedded migrations found")
	}
	for _, version := range versions {
		if !strings.HasSuffix(version, ".up.sql") {
			t.Errorf("unexpected migration name: %s", version)
		}
	}
}

func TestInitialMigrationCreatesCoreTables(t *testing.T) {
	contents, err := fs.ReadFile(migrations.Files, "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	sql := string(contents)
	for _, table := range []string{"documents", "users"} {
		if !strings.Contains(sql, table) {
			t.Errorf("initial migration missing table %q", table)
		}
	}
}
