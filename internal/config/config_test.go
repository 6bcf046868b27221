package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoad_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoad_DefaultsFillPartialFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  blob_root: /tmp/blobs\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.BlobRoot != "/tmp/blobs" {
		t.Errorf("BlobRoot = %q, want /tmp/blobs", cfg.Storage.BlobRoot)
	}
	if cfg.Align.NFeatures != 4000 {
		t.Errorf("NFeatures = %d, want default 4000", cfg.Align.NFeatures)
	}
	if cfg.Stages.RetryBudget != 3 {
		t.Errorf("RetryBudget = %d, want default 3", cfg.Stages.RetryBudget)
	}
}

func TestLoad_RejectsEmptyBlobRoot(t *testing.T) {
	path := writeConfig(t, "storage:\n  blob_root: \"\"\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for empty blob_root, got nil")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Queue.Broker = "tcp://localhost:1883"
	path := filepath.Join(t.TempDir(), "out.yaml")

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Queue.Broker != cfg.Queue.Broker {
		t.Errorf("Broker = %q, want %q", got.Queue.Broker, cfg.Queue.Broker)
	}
}
