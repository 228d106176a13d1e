package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsAnnotated(t *testing.T) {
	files, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, name := range files {
		data, err := fs.ReadFile(FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		sql := string(data)
		if !strings.Contains(sql, "-- +goose Up") || !strings.Contains(sql, "-- +goose Down") {
			t.Errorf("%s missing goose annotations", name)
		}
	}
}

func TestInitDeclaresIdentityConstraints(t *testing.T) {
	data, err := fs.ReadFile(FS, "00001_init.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, c := range []string{"listings_board_mls_unique", "listings_external_id_unique"} {
		if !strings.Contains(string(data), c) {
			t.Errorf("missing constraint %s", c)
		}
	}
}
