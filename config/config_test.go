package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFallsBackToDefaultWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != 1 {
		t.Fatalf("expected default ClientID 1, got %d", cfg.ClientID)
	}
}

func TestLoadParsesExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mimir.yaml")
	contents := "ClientID: 42\nAttachmentsDir: custom-attachments\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != 42 || cfg.AttachmentsDir != "custom-attachments" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestTrackerAndMediatorKeysRoundTrip(t *testing.T) {
	hex32 := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	cfg := &Config{
		Trackers:  []TrackerSeed{{PublicKey: hex32}},
		Mediators: []MediatorSeed{{PublicKey: hex32}},
	}

	trackers, err := cfg.TrackerKeys()
	if err != nil || len(trackers) != 1 {
		t.Fatalf("TrackerKeys: %v %+v", err, trackers)
	}
	mediators, err := cfg.MediatorKeys()
	if err != nil || len(mediators) != 1 {
		t.Fatalf("MediatorKeys: %v %+v", err, mediators)
	}
}

func TestMediatorKeysRejectsInvalidHex(t *testing.T) {
	cfg := &Config{Mediators: []MediatorSeed{{PublicKey: "not-hex"}}}
	if _, err := cfg.MediatorKeys(); err == nil {
		t.Fatalf("expected error for invalid public key hex")
	}
}
