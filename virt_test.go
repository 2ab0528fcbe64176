package stratovrit

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/yuluo-zy/stratovrit/internal/config"
)

const (
	testMemSize  = 1 << 20
	testECAMBase = 0xe000_0000
)

// flatMemory is a bounds-checked in-process guest RAM. Device workers
// access it concurrently with the test goroutine.
type flatMemory struct {
	mu   sync.Mutex
	data []byte
}

func newFlatMemory() *flatMemory {
	return &flatMemory{data: make([]byte, testMemSize)}
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("guest read out of bounds at %#x", off)
	}
	return copy(p, m.data[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("guest write out of bounds at %#x", off)
	}
	return copy(m.data[off:], p), nil
}

func testManifest() *config.Manifest {
	return &config.Manifest{
		Machine: config.MachineConfig{
			MemorySize: testMemSize,
			ECAMBase:   testECAMBase,
		},
		Devices: []config.DeviceConfig{
			{Kind: config.KindEntropy, Name: "rng0", Slot: 1},
			{Kind: config.KindEntropy, Name: "rng1", Slot: 2, QueueSize: 64},
		},
	}
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(newFlatMemory(), testManifest(), MachineOptions{
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m
}

func TestNewMachineValidation(t *testing.T) {
	if _, err := NewMachine(nil, testManifest(), MachineOptions{}); err == nil {
		t.Error("nil guest memory accepted")
	}
	if _, err := NewMachine(newFlatMemory(), nil, MachineOptions{}); err == nil {
		t.Error("nil manifest accepted")
	}

	bad := testManifest()
	bad.Devices[1].Slot = bad.Devices[0].Slot
	if _, err := NewMachine(newFlatMemory(), bad, MachineOptions{}); err == nil {
		t.Error("duplicate slot accepted")
	}

	dup := testManifest()
	dup.Devices[1].Name = dup.Devices[0].Name
	if _, err := NewMachine(newFlatMemory(), dup, MachineOptions{}); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestFunctionLookup(t *testing.T) {
	m := newTestMachine(t)

	if m.Function("rng0") == nil || m.Function("rng1") == nil {
		t.Error("configured functions not found")
	}
	if m.Function("rng9") != nil {
		t.Error("unknown name resolved")
	}
}

func TestECAMEnumeration(t *testing.T) {
	m := newTestMachine(t)

	read := func(slot uint8, reg uint16) uint32 {
		var buf [4]byte
		addr := uint64(testECAMBase) + uint64(slot)<<15 + uint64(reg)
		if err := m.HandleMMIO(addr, buf[:], false); err != nil {
			t.Fatalf("HandleMMIO(%#x): %v", addr, err)
		}
		return binary.LittleEndian.Uint32(buf[:])
	}

	// 00:00.0 is the host bridge itself.
	if got := read(0, 0); got != 0x0001_1af4 {
		t.Errorf("root id = %#x", got)
	}
	// Slots 1 and 2 carry virtio-rng functions (0x1040 + device type 4).
	for _, slot := range []uint8{1, 2} {
		if got := read(slot, 0); got != 0x1044_1af4 {
			t.Errorf("slot %d id = %#x, want 0x10441af4", slot, got)
		}
	}
	// An empty slot reads all ones.
	if got := read(3, 0); got != 0xffff_ffff {
		t.Errorf("empty slot id = %#x", got)
	}
}

func TestQueueSizeCapFromManifest(t *testing.T) {
	m := newTestMachine(t)

	capped := m.Function("rng1").Device()
	uncapped := m.Function("rng0").Device()
	if got := capped.QueueMaxSize(0); got != 64 {
		t.Errorf("capped queue max = %d, want 64", got)
	}
	if got := uncapped.QueueMaxSize(0); got != 256 {
		t.Errorf("uncapped queue max = %d, want 256", got)
	}
}

func TestMachineSnapshotRoundTrip(t *testing.T) {
	m := newTestMachine(t)

	var buf bytes.Buffer
	if err := m.SaveSnapshot(context.Background(), &buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	m2, err := NewMachine(newFlatMemory(), testManifest(), MachineOptions{
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m2.Stop()
	if err := m2.RestoreSnapshot(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	// The machine still serves MMIO after a save/restore cycle.
	var id [4]byte
	addr := uint64(testECAMBase) + 1<<15
	if err := m2.HandleMMIO(addr, id[:], false); err != nil {
		t.Fatalf("HandleMMIO after restore: %v", err)
	}
	if binary.LittleEndian.Uint32(id[:]) != 0x1044_1af4 {
		t.Errorf("slot 1 id = %#x after restore", binary.LittleEndian.Uint32(id[:]))
	}
}

func TestSnapshotRejectsMismatchedMachine(t *testing.T) {
	m := newTestMachine(t)

	var buf bytes.Buffer
	if err := m.SaveSnapshot(context.Background(), &buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	other := testManifest()
	other.Devices = other.Devices[:1] // rng1 is missing here
	m2, err := NewMachine(newFlatMemory(), other, MachineOptions{
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m2.Stop()

	err = m2.RestoreSnapshot(bytes.NewReader(buf.Bytes()))
	if err == nil {
		t.Fatal("snapshot for a different machine accepted")
	}
	if !strings.Contains(err.Error(), "rng1") {
		t.Errorf("error %q does not name the missing device", err)
	}
}
