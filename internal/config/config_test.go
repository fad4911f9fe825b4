package config

import (
	"path/filepath"
	"testing"

	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
)

func TestSaveLoadServerConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")

	cfg := DefaultServerConfig()
	cfg.Port = 6000
	cfg.AuthorizedClients = []clients.AuthorizedClient{
		{UID: "alpha", Hostname: "alpha.local", ScreenPosition: clients.Top},
	}

	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if loaded.Port != 6000 {
		t.Fatalf("expected port 6000, got %d", loaded.Port)
	}
	if len(loaded.AuthorizedClients) != 1 || loaded.AuthorizedClients[0].UID != "alpha" {
		t.Fatalf("expected authorized clients to round trip, got %+v", loaded.AuthorizedClients)
	}
}

func TestLoadServerRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	cfg := DefaultServerConfig()
	cfg.Port = 0
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := LoadServer(path); err == nil {
		t.Fatalf("expected invalid port to be rejected")
	}
}

func TestLoadClientRequiresHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	cfg := DefaultClientConfig()
	cfg.Host = ""
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := LoadClient(path); err == nil {
		t.Fatalf("expected missing host to be rejected")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	cfg := DefaultServerConfig()
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}
