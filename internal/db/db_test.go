package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(ms) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %d after %d", ms[i].version, ms[i-1].version)
		}
	}
	if !strings.Contains(ms[0].sql, "CREATE TABLE IF NOT EXISTS wallet_transactions") {
		t.Error("initial migration should create wallet_transactions")
	}
}

func TestLoadMigrations_Errors(t *testing.T) {
	cases := []struct {
		name  string
		files fstest.MapFS
	}{
		{"no prefix", fstest.MapFS{"migrations/init.sql": {Data: []byte("SELECT 1")}}},
		{"bad version", fstest.MapFS{"migrations/abc_init.sql": {Data: []byte("SELECT 1")}}},
		{"duplicate version", fstest.MapFS{
			"migrations/001_a.sql": {Data: []byte("SELECT 1")},
			"migrations/001_b.sql": {Data: []byte("SELECT 2")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadMigrations(tc.files); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoadMigrations_SkipsNonSQL(t *testing.T) {
	ms, err := loadMigrations(fstest.MapFS{
		"migrations/002_b.sql": {Data: []byte("SELECT 2")},
		"migrations/001_a.sql": {Data: []byte("SELECT 1")},
		"migrations/README.md": {Data: []byte("docs")},
	})
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(ms) != 2 || ms[0].version != 1 || ms[1].version != 2 {
		t.Errorf("unexpected migrations: %+v", ms)
	}
}
