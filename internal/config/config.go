// Package config loads the per-channel configuration spec.md §4.1/§4.2
// parameterizes (slot/queue layout, memory technology, integrity level,
// timeouts) from TOML, in the same shape and with the same library the
// teacher's own config package uses (github.com/pelletier/go-toml/v2).
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root document: one [channel.<name>] table per IPC channel
// a process participates in, keyed by name, plus process-wide runtime
// settings.
type Config struct {
	Runtime  RuntimeConfig            `toml:"runtime"`
	Channels map[string]ChannelConfig `toml:"channel"`
}

// RuntimeConfig holds settings that apply to the whole process rather
// than to any one channel.
type RuntimeConfig struct {
	ShmPrefix            string `toml:"shm_prefix"`
	ControlSocketDir     string `toml:"control_socket_dir"`
	EstablishmentTimeout string `toml:"establishment_timeout"`
}

// ChannelConfig mirrors layout.Config plus the connection-level settings
// a channel needs beyond memory layout.
type ChannelConfig struct {
	Role                 string `toml:"role"` // "server" or "client"
	NumSlots             uint32 `toml:"num_slots"`
	SlotContentSize      uint32 `toml:"slot_content_size"`
	SlotContentAlignment uint32 `toml:"slot_content_alignment"`
	MaxNumberReceivers   uint32 `toml:"max_number_receivers"`
	MemoryTechnology     string `toml:"memory_technology"` // "shared_memory" or "physically_contiguous"
	IntegrityLevel       string `toml:"integrity_level"`   // "qm", "asilA".."asilD"
	ServiceID            uint16 `toml:"service_id"`
	InstanceID           uint16 `toml:"instance_id"`
	Major                uint32 `toml:"major"`
	Minor                uint32 `toml:"minor"`
	Address              string `toml:"address"` // unix socket path for the handshake transport
}

// Load reads and decodes path, matching the teacher's config.Load shape.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
