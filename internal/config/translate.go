package config

import (
	"fmt"
	"time"

	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/layout"
	"github.com/alephtx/ipc-core/internal/memory"
)

// LayoutConfig converts a ChannelConfig's layout fields into a
// layout.Config, ready for layout.New.
func (c ChannelConfig) LayoutConfig() layout.Config {
	return layout.Config{
		NumSlots:             c.NumSlots,
		SlotContentSize:      c.SlotContentSize,
		SlotContentAlignment: c.SlotContentAlignment,
		MaxNumberReceivers:   c.MaxNumberReceivers,
	}
}

// Technology parses MemoryTechnology, defaulting to shared memory when
// the field is empty.
func (c ChannelConfig) Technology() (memory.Technology, error) {
	switch c.MemoryTechnology {
	case "", "shared_memory":
		return memory.TechSharedMemory, nil
	case "physically_contiguous":
		return memory.TechPhysicallyContiguous, nil
	default:
		return 0, fmt.Errorf("config: unknown memory_technology %q", c.MemoryTechnology)
	}
}

// Integrity parses IntegrityLevel, defaulting to QM when the field is
// empty.
func (c ChannelConfig) Integrity() (ident.IntegrityLevel, error) {
	switch c.IntegrityLevel {
	case "", "qm":
		return ident.IntegrityQM, nil
	case "asilA":
		return ident.IntegrityASILA, nil
	case "asilB":
		return ident.IntegrityASILB, nil
	case "asilC":
		return ident.IntegrityASILC, nil
	case "asilD":
		return ident.IntegrityASILD, nil
	default:
		return 0, fmt.Errorf("config: unknown integrity_level %q", c.IntegrityLevel)
	}
}

// ProvidedInstance builds the identity a server channel advertises.
func (c ChannelConfig) ProvidedInstance() ident.ProvidedServiceInstanceID {
	return ident.ProvidedServiceInstanceID{
		ServiceID: c.ServiceID, InstanceID: c.InstanceID, Major: c.Major, Minor: c.Minor,
	}
}

// EstablishmentTimeoutOr parses RuntimeConfig's duration string, returning
// fallback when the field is empty.
func (r RuntimeConfig) EstablishmentTimeoutOr(fallback time.Duration) (time.Duration, error) {
	if r.EstablishmentTimeout == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(r.EstablishmentTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: establishment_timeout: %w", err)
	}
	return d, nil
}
