package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "data.db"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":8080" {
		t.Fatalf("expected default address, got %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.BasicConfig.Database != "sqlite3" {
		t.Fatalf("expected single database inferred, got %q", cfg.BasicConfig.Database)
	}
	if cfg.Queue.Mode != QueueModeMemory {
		t.Fatalf("expected memory queue default, got %q", cfg.Queue.Mode)
	}
	if !filepath.IsAbs(cfg.Databases["sqlite3"].DSN) {
		t.Fatalf("expected sqlite dsn resolved relative to config, got %q", cfg.Databases["sqlite3"].DSN)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	path := writeConfig(t, `{"databases": {}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty databases")
	}
}

func TestLoadAmbiguousDatabaseSelection(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {
			"sqlite3": {"dsn": "data.db"},
			"mysql": {"host": "localhost", "port": 3306, "db_name": "x"}
		}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when database is not selected")
	}
}

func TestLoadSQSRequiresQueueURL(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "data.db"}},
		"queue": {"mode": "sqs", "region": "us-east-1"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for sqs mode without queue_url")
	}
}

func TestLoadRejectsUnknownQueueMode(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "data.db"}},
		"queue": {"mode": "kafka"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown queue mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
