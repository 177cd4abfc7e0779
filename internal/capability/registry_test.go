package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/pkg/models"
)

func writeProfiles(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const profileJSON = `[
  {
    "model_id": "qwen-mini",
    "format": "bracketed",
    "tools": ["read_file", "list_dir"],
    "aliases": {"fs.read": "read_file"},
    "prosthetic": "Always answer with a tool call when one applies.",
    "enabled": true
  },
  {
    "model_id": "gpt-x",
    "format": "openai-tools",
    "tools": ["read_file"],
    "enabled": true
  }
]`

func TestFileStoreLoadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, profileJSON)

	profiles, err := NewFileStore(path).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	p := profiles["qwen-mini"]
	if p.Format != WireBracketed {
		t.Errorf("format = %q", p.Format)
	}
	if got := p.ResolveAlias("fs.read"); got != "read_file" {
		t.Errorf("ResolveAlias(fs.read) = %q", got)
	}
	if got := p.ResolveAlias("unknown"); got != "unknown" {
		t.Errorf("unknown alias should pass through, got %q", got)
	}
}

func TestFileStoreObjectForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, `{"gpt-x": {"format": "raw-json", "enabled": true}}`)

	profiles, err := NewFileStore(path).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	p, ok := profiles["gpt-x"]
	if !ok {
		t.Fatal("missing profile for gpt-x")
	}
	if p.ModelID != "gpt-x" {
		t.Errorf("model id should be filled from the key, got %q", p.ModelID)
	}
	if p.Format != WireRawJSON {
		t.Errorf("format = %q", p.Format)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	profiles, err := NewFileStore(filepath.Join(t.TempDir(), "nope.json")).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("missing file should yield empty store, got %d", len(profiles))
	}
}

func TestFileStoreRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, `[{"model_id": "m", "format": "carrier-pigeon"}]`)
	if _, err := NewFileStore(path).LoadAll(); err == nil {
		t.Error("expected error for unknown wire format")
	}
}

func TestRegistryDefaultProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, profileJSON)
	reg, err := NewRegistry(NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	p := reg.ProfileFor("never-seen")
	if p == nil {
		t.Fatal("ProfileFor must never return nil")
	}
	if p.Format != WireNativeStructured {
		t.Errorf("default format = %q", p.Format)
	}
	if len(p.Aliases) != 0 || p.Prosthetic != "" {
		t.Error("default profile should carry no aliases or prosthetic")
	}
	if reg.Known("never-seen") {
		t.Error("synthesised profile must not count as known")
	}
	if !reg.Known("qwen-mini") {
		t.Error("stored profile should be known")
	}
}

func TestRegistryRefreshSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, `[{"model_id": "m", "format": "raw-json", "enabled": true}]`)
	reg, err := NewRegistry(NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	if reg.ProfileFor("m").Format != WireRawJSON {
		t.Fatal("initial load missing")
	}

	writeProfiles(t, path, `[{"model_id": "m", "format": "hermes-xml", "enabled": true}]`)
	if err := reg.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := reg.ProfileFor("m").Format; got != WireHermesXML {
		t.Errorf("after refresh format = %q", got)
	}
}

func TestRegistryKeepsSnapshotOnBadRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, `[{"model_id": "m", "format": "raw-json", "enabled": true}]`)
	reg, err := NewRegistry(NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	writeProfiles(t, path, `{not json`)
	if err := reg.Refresh(); err == nil {
		t.Fatal("expected refresh error")
	}
	if got := reg.ProfileFor("m").Format; got != WireRawJSON {
		t.Errorf("bad refresh must keep snapshot, format = %q", got)
	}
}

func TestRegistryInvalidationEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeProfiles(t, path, `[{"model_id": "m", "format": "raw-json", "enabled": true}]`)
	reg, err := NewRegistry(NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	eventBus := bus.New(nil)
	defer eventBus.Close()
	reg.WatchInvalidations(eventBus)

	writeProfiles(t, path, `[{"model_id": "m", "format": "bracketed", "enabled": true}]`)
	eventBus.Publish(models.NewEvent(models.EventCapabilityInvalidate, ""))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.ProfileFor("m").Format == WireBracketed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("invalidation event did not trigger a refresh")
}

func TestProfileClone(t *testing.T) {
	p := &Profile{
		ModelID: "m",
		Tools:   []string{"a"},
		Aliases: map[string]string{"x": "a"},
	}
	c := p.Clone()
	c.Tools[0] = "b"
	c.Aliases["x"] = "z"
	if p.Tools[0] != "a" || p.Aliases["x"] != "a" {
		t.Error("Clone must not share slices or maps")
	}
}
