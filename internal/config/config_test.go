package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/memory"
)

const sampleTOML = `
[runtime]
shm_prefix = "ipc-core"
control_socket_dir = "/tmp/ipc-core"
establishment_timeout = "15s"

[channel.market_data]
role = "server"
num_slots = 64
slot_content_size = 256
slot_content_alignment = 8
max_number_receivers = 8
memory_technology = "shared_memory"
integrity_level = "asilC"
service_id = 42
instance_id = 1
major = 1
minor = 0
address = "/tmp/ipc-core/market_data.sock"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDecodesChannelAndRuntimeSections(t *testing.T) {
	path := writeTemp(t, sampleTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Runtime.ShmPrefix != "ipc-core" {
		t.Fatalf("unexpected shm prefix: %q", cfg.Runtime.ShmPrefix)
	}
	ch, ok := cfg.Channels["market_data"]
	if !ok {
		t.Fatal("expected market_data channel to be present")
	}
	if ch.NumSlots != 64 || ch.MaxNumberReceivers != 8 {
		t.Fatalf("unexpected channel layout fields: %+v", ch)
	}

	tech, err := ch.Technology()
	if err != nil || tech != memory.TechSharedMemory {
		t.Fatalf("unexpected technology: %v, err=%v", tech, err)
	}
	level, err := ch.Integrity()
	if err != nil || level != ident.IntegrityASILC {
		t.Fatalf("unexpected integrity level: %v, err=%v", level, err)
	}

	timeout, err := cfg.Runtime.EstablishmentTimeoutOr(10 * time.Second)
	if err != nil || timeout != 15*time.Second {
		t.Fatalf("unexpected establishment timeout: %v, err=%v", timeout, err)
	}
}

func TestEstablishmentTimeoutDefaultsWhenEmpty(t *testing.T) {
	var rt RuntimeConfig
	d, err := rt.EstablishmentTimeoutOr(10 * time.Second)
	if err != nil || d != 10*time.Second {
		t.Fatalf("expected default 10s, got %v err=%v", d, err)
	}
}

func TestUnknownIntegrityLevelIsRejected(t *testing.T) {
	ch := ChannelConfig{IntegrityLevel: "asilZ"}
	if _, err := ch.Integrity(); err == nil {
		t.Fatal("expected an error for an unrecognized integrity level")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}
