package main

import (
	"path/filepath"
	"testing"

	"github.com/BTreeMap/TriggerPipe/internal/store"
)

func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }

func testFlags(stateDir, dbDSN string) Flags {
	return Flags{
		qrOutput:  stringPtr(""),
		numeric:   boolPtr(false),
		stateDir:  stringPtr(stateDir),
		dbDSN:     stringPtr(dbDSN),
		waDSN:     stringPtr(""),
		openaiKey: stringPtr(""),
		apiAddr:   stringPtr(""),
		transport: stringPtr("whatsapp"),
		operators: stringPtr(""),
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	t.Setenv("TRIGGERPIPE_STATE_DIR", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WHATSAPP_DB_DSN", "")
	t.Setenv("TRIGGERPIPE_TRANSPORT", "")

	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", config.StateDir, DefaultStateDir)
	}
	if config.Transport != "whatsapp" {
		t.Errorf("Transport = %q, want whatsapp", config.Transport)
	}
	want := filepath.Join(DefaultStateDir, DefaultDBFileName)
	if config.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", config.DatabaseURL, want)
	}
}

func TestLoadEnvironmentConfigFromEnv(t *testing.T) {
	t.Setenv("TRIGGERPIPE_STATE_DIR", "/tmp/tp-test")
	t.Setenv("DATABASE_URL", "postgres://localhost/triggers")
	t.Setenv("TRIGGERPIPE_TRANSPORT", "twilio")

	config := loadEnvironmentConfig()

	if config.StateDir != "/tmp/tp-test" {
		t.Errorf("StateDir = %q", config.StateDir)
	}
	if config.DatabaseURL != "postgres://localhost/triggers" {
		t.Errorf("DatabaseURL = %q", config.DatabaseURL)
	}
	if config.Transport != "twilio" {
		t.Errorf("Transport = %q", config.Transport)
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	dir := t.TempDir()
	flags := testFlags(filepath.Join(dir, "state"), filepath.Join(dir, "state", "db", "triggers.db"))
	if err := ensureDirectoriesExist(flags); err != nil {
		t.Fatalf("ensureDirectoriesExist failed: %v", err)
	}
}

func TestBuildStoreInMemory(t *testing.T) {
	flags := testFlags(t.TempDir(), "")
	st, err := buildStore(flags)
	if err != nil {
		t.Fatalf("buildStore failed: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.InMemoryStore); !ok {
		t.Errorf("expected in-memory store without DSN, got %T", st)
	}
}

func TestBuildStoreSQLite(t *testing.T) {
	dir := t.TempDir()
	flags := testFlags(dir, filepath.Join(dir, "triggers.db"))
	st, err := buildStore(flags)
	if err != nil {
		t.Fatalf("buildStore failed: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.SQLiteStore); !ok {
		t.Errorf("expected SQLite store for file DSN, got %T", st)
	}
}
