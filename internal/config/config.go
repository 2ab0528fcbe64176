// Package config parses the machine manifest: guest memory sizing and the
// set of virtio functions to place on the PCI bus.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Device kinds accepted in a manifest.
const (
	KindEntropy = "rng"
)

// Manifest is the top-level machine description.
type Manifest struct {
	Machine MachineConfig  `yaml:"machine"`
	Devices []DeviceConfig `yaml:"devices"`
}

// MachineConfig sizes the guest and places the PCI apertures.
type MachineConfig struct {
	// MemorySize is the guest RAM size in bytes.
	MemorySize uint64 `yaml:"memory_size"`

	// ECAMBase and MMIOBase override the default PCI window placement
	// when non-zero.
	ECAMBase uint64 `yaml:"ecam_base"`
	MMIOBase uint64 `yaml:"mmio_base"`
}

// DeviceConfig describes one virtio PCI function.
type DeviceConfig struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`

	// Slot is the PCI device number on bus 0. Function is always 0.
	Slot uint8 `yaml:"slot"`

	// QueueSize caps the advertised queue depth when non-zero. Must be a
	// power of two.
	QueueSize uint16 `yaml:"queue_size"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a manifest from r. Unknown fields are rejected so a typo
// never turns into a silently ignored option.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (m *Manifest) Validate() error {
	if m.Machine.MemorySize == 0 {
		return fmt.Errorf("machine.memory_size must be set")
	}

	names := make(map[string]struct{}, len(m.Devices))
	slots := make(map[uint8]struct{}, len(m.Devices))
	for i := range m.Devices {
		d := &m.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name must be set", i)
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		names[d.Name] = struct{}{}

		switch d.Kind {
		case KindEntropy:
		default:
			return fmt.Errorf("devices[%d] (%q): unknown kind %q", i, d.Name, d.Kind)
		}

		if d.Slot == 0 || d.Slot > 31 {
			return fmt.Errorf("devices[%d] (%q): slot must be 1-31, got %d", i, d.Name, d.Slot)
		}
		if _, dup := slots[d.Slot]; dup {
			return fmt.Errorf("devices[%d] (%q): slot %d already taken", i, d.Name, d.Slot)
		}
		slots[d.Slot] = struct{}{}

		if d.QueueSize != 0 && d.QueueSize&(d.QueueSize-1) != 0 {
			return fmt.Errorf("devices[%d] (%q): queue_size %d is not a power of two", i, d.Name, d.QueueSize)
		}
	}
	return nil
}
