package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validManifest = `
machine:
  memory_size: 268435456
  ecam_base: 0xe0000000
devices:
  - kind: rng
    name: rng0
    slot: 1
  - kind: rng
    name: rng1
    slot: 2
    queue_size: 128
`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse(strings.NewReader(validManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Machine.MemorySize != 268435456 {
		t.Errorf("memory_size = %d", m.Machine.MemorySize)
	}
	if m.Machine.ECAMBase != 0xe000_0000 {
		t.Errorf("ecam_base = %#x", m.Machine.ECAMBase)
	}
	if len(m.Devices) != 2 {
		t.Fatalf("devices = %d", len(m.Devices))
	}
	if m.Devices[0].Kind != KindEntropy || m.Devices[0].Slot != 1 {
		t.Errorf("device 0 = %+v", m.Devices[0])
	}
	if m.Devices[1].QueueSize != 128 {
		t.Errorf("device 1 queue_size = %d", m.Devices[1].QueueSize)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	doc := `
machine:
  memory_size: 1048576
  memory_sise: 2097152
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("typoed field accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"missing memory size",
			`
devices: []
`,
			"memory_size",
		},
		{
			"missing device name",
			`
machine: {memory_size: 1048576}
devices:
  - {kind: rng, slot: 1}
`,
			"name must be set",
		},
		{
			"duplicate name",
			`
machine: {memory_size: 1048576}
devices:
  - {kind: rng, name: rng0, slot: 1}
  - {kind: rng, name: rng0, slot: 2}
`,
			"duplicate name",
		},
		{
			"unknown kind",
			`
machine: {memory_size: 1048576}
devices:
  - {kind: floppy, name: f0, slot: 1}
`,
			"unknown kind",
		},
		{
			"slot zero",
			`
machine: {memory_size: 1048576}
devices:
  - {kind: rng, name: rng0, slot: 0}
`,
			"slot must be 1-31",
		},
		{
			"duplicate slot",
			`
machine: {memory_size: 1048576}
devices:
  - {kind: rng, name: rng0, slot: 4}
  - {kind: rng, name: rng1, slot: 4}
`,
			"already taken",
		},
		{
			"queue size not a power of two",
			`
machine: {memory_size: 1048576}
devices:
  - {kind: rng, name: rng0, slot: 1, queue_size: 48}
`,
			"not a power of two",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			if err == nil {
				t.Fatal("manifest accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(validManifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Devices) != 2 {
		t.Errorf("devices = %d", len(m.Devices))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
