package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_sample_status_history.sql": {Data: []byte("CREATE TABLE sample_status_history (id UUID PRIMARY KEY);")},
		"002_dispatch_intents.sql":      {Data: []byte("CREATE TABLE dispatch_intent (id UUID PRIMARY KEY);")},
		"010_indexes.sql":               {Data: []byte("SELECT 10;")},
		"README.md":                     {Data: []byte("docs")},
		"notes.sql":                     {Data: []byte("SELECT 0;")},
		"abc_bad.sql":                   {Data: []byte("SELECT 0;")},
		"archive/003_old.sql":           {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, files, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_sample_status_history.sql" {
		t.Errorf("expected name 001_sample_status_history.sql, got %s", migrations[0].Name)
	}
	if !strings.Contains(migrations[1].SQL, "dispatch_intent") {
		t.Errorf("unexpected SQL content: %s", migrations[1].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, files, "").LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected default schema public, got %q", m.schema)
	}
}

func testMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "001_a.sql"},
		{Version: 2, Name: "002_b.sql"},
		{Version: 3, Name: "003_c.sql"},
	}
}

func TestPending(t *testing.T) {
	applied := map[int]time.Time{1: time.Now()}

	got := Pending(testMigrations(), applied, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 3 {
		t.Fatalf("expected versions 2 and 3 pending, got %+v", got)
	}

	got = Pending(testMigrations(), applied, 2)
	if len(got) != 1 || got[0].Version != 2 {
		t.Fatalf("expected only version 2 up to target, got %+v", got)
	}

	all := map[int]time.Time{1: {}, 2: {}, 3: {}}
	if got := Pending(testMigrations(), all, 0); len(got) != 0 {
		t.Fatalf("expected nothing pending, got %+v", got)
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	statuses := BuildStatus(testMigrations(), map[int]time.Time{2: at})

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[0].Applied || statuses[0].AppliedAt != nil {
		t.Error("expected version 1 pending")
	}
	if !statuses[1].Applied || !statuses[1].AppliedAt.Equal(at) {
		t.Errorf("expected version 2 applied at %s, got %+v", at, statuses[1])
	}
	if statuses[2].Applied {
		t.Error("expected version 3 pending")
	}
}
