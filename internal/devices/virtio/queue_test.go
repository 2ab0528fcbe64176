package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockGuestMemory is a flat guest-physical address space for tests. The
// device worker reads and writes it concurrently with the test goroutine,
// so every access goes through the mutex.
type mockGuestMemory struct {
	mu   sync.Mutex
	data []byte
}

func newMockGuestMemory() *mockGuestMemory {
	return &mockGuestMemory{data: make([]byte, 1<<20)}
}

func (m *mockGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(m.data) {
		return 0, fmt.Errorf("read outside guest memory at %#x", off)
	}
	return copy(p, m.data[off:]), nil
}

func (m *mockGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(m.data) {
		return 0, fmt.Errorf("write outside guest memory at %#x", off)
	}
	return copy(m.data[off:], p), nil
}

func (m *mockGuestMemory) writeUint16(addr uint64, val uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint16(m.data[addr:], val)
}

func (m *mockGuestMemory) writeUint32(addr uint64, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.data[addr:], val)
}

func (m *mockGuestMemory) writeUint64(addr uint64, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint64(m.data[addr:], val)
}

func (m *mockGuestMemory) readUint16(addr uint64) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint16(m.data[addr:])
}

func (m *mockGuestMemory) readUint32(addr uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.data[addr:])
}

// bytesAt copies n bytes starting at addr.
func (m *mockGuestMemory) bytesAt(addr uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	copy(out, m.data[addr:])
	return out
}

// writeDescriptor places a descriptor in a table at addr.
func (m *mockGuestMemory) writeDescriptor(table uint64, idx uint16, desc Descriptor) {
	base := table + uint64(idx)*descriptorSize
	m.writeUint64(base, desc.Addr)
	m.writeUint32(base+8, desc.Len)
	m.writeUint16(base+12, desc.Flags)
	m.writeUint16(base+14, desc.Next)
}

const (
	testDescTable = uint64(0x1000)
	testAvailRing = uint64(0x2000)
	testUsedRing  = uint64(0x3000)
)

func newTestQueue(mem *mockGuestMemory, size uint16) *Queue {
	q := newQueue(mem, size)
	q.size = size
	q.ready = true
	q.descAddr = testDescTable
	q.availAddr = testAvailRing
	q.usedAddr = testUsedRing
	return &q
}

// publishAvail adds head to the available ring and bumps the index.
func publishAvail(mem *mockGuestMemory, q *Queue, head uint16) {
	idx := mem.readUint16(testAvailRing + 2)
	mem.writeUint16(testAvailRing+4+uint64(idx%q.size)*2, head)
	mem.writeUint16(testAvailRing+2, idx+1)
}

func TestPopAvailEmpty(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)

	chain, err := q.PopAvail()
	if err != nil {
		t.Fatalf("PopAvail on empty ring: %v", err)
	}
	if chain != nil {
		t.Fatalf("expected nil chain, got head %d", chain.Head)
	}
}

func TestPopAvailNotReady(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)
	q.ready = false

	if _, err := q.PopAvail(); !errors.Is(err, ErrQueueNotReady) {
		t.Fatalf("expected ErrQueueNotReady, got %v", err)
	}
}

func TestPopAvailSingleChain(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)

	mem.writeDescriptor(testDescTable, 0, Descriptor{
		Addr: 0x4000, Len: 16, Flags: virtqDescFNext, Next: 1,
	})
	mem.writeDescriptor(testDescTable, 1, Descriptor{
		Addr: 0x5000, Len: 32, Flags: virtqDescFWrite,
	})
	if _, err := mem.WriteAt([]byte("sixteen byte msg"), 0x4000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	publishAvail(mem, q, 0)

	chain, err := q.PopAvail()
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}
	if chain == nil {
		t.Fatal("expected a chain")
	}
	if chain.Head != 0 {
		t.Errorf("head = %d, want 0", chain.Head)
	}
	if len(chain.Readable) != 1 || len(chain.Writable) != 1 {
		t.Fatalf("segments = %d readable, %d writable, want 1/1",
			len(chain.Readable), len(chain.Writable))
	}
	if chain.ReadableLen() != 16 || chain.WritableLen() != 32 {
		t.Errorf("lengths = %d/%d, want 16/32", chain.ReadableLen(), chain.WritableLen())
	}

	in, err := q.ReadChain(chain)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if !bytes.Equal(in, []byte("sixteen byte msg")) {
		t.Errorf("ReadChain = %q", in)
	}

	written, err := q.WriteChain(chain, []byte("response"))
	if err != nil {
		t.Fatalf("WriteChain: %v", err)
	}
	if written != 8 {
		t.Errorf("written = %d, want 8", written)
	}
	if got := mem.bytesAt(0x5000, 8); !bytes.Equal(got, []byte("response")) {
		t.Errorf("writable segment = %q", got)
	}
}

func TestPushUsedAdvancesRing(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)

	if err := q.PushUsed(3, 64); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if got := mem.readUint16(testUsedRing + 2); got != 1 {
		t.Errorf("used idx = %d, want 1", got)
	}
	if got := mem.readUint32(testUsedRing + 4); got != 3 {
		t.Errorf("used elem id = %d, want 3", got)
	}
	if got := mem.readUint32(testUsedRing + 8); got != 64 {
		t.Errorf("used elem len = %d, want 64", got)
	}

	// Second entry lands in the next slot.
	if err := q.PushUsed(5, 0); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if got := mem.readUint16(testUsedRing + 2); got != 2 {
		t.Errorf("used idx = %d, want 2", got)
	}
	if got := mem.readUint32(testUsedRing + 4 + 8); got != 5 {
		t.Errorf("second used elem id = %d, want 5", got)
	}
}

func TestIndirectChain(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)
	q.indirectDesc = true

	indirectTable := uint64(0x6000)
	mem.writeDescriptor(indirectTable, 0, Descriptor{
		Addr: 0x7000, Len: 8, Flags: virtqDescFNext, Next: 1,
	})
	mem.writeDescriptor(indirectTable, 1, Descriptor{
		Addr: 0x7100, Len: 24, Flags: virtqDescFWrite,
	})
	mem.writeDescriptor(testDescTable, 0, Descriptor{
		Addr: indirectTable, Len: 2 * descriptorSize, Flags: virtqDescFIndirect,
	})
	publishAvail(mem, q, 0)

	chain, err := q.PopAvail()
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}
	if len(chain.Readable) != 1 || len(chain.Writable) != 1 {
		t.Fatalf("segments = %d/%d, want 1/1", len(chain.Readable), len(chain.Writable))
	}
	if chain.Readable[0].Addr != 0x7000 || chain.Writable[0].Addr != 0x7100 {
		t.Errorf("segment addrs = %#x/%#x", chain.Readable[0].Addr, chain.Writable[0].Addr)
	}
}

func TestIndirectChainRejections(t *testing.T) {
	cases := []struct {
		name  string
		setup func(mem *mockGuestMemory, q *Queue)
	}{
		{
			name: "not negotiated",
			setup: func(mem *mockGuestMemory, q *Queue) {
				q.indirectDesc = false
				mem.writeDescriptor(testDescTable, 0, Descriptor{
					Addr: 0x6000, Len: descriptorSize, Flags: virtqDescFIndirect,
				})
			},
		},
		{
			name: "nested indirect",
			setup: func(mem *mockGuestMemory, q *Queue) {
				mem.writeDescriptor(0x6000, 0, Descriptor{
					Addr: 0x7000, Len: descriptorSize, Flags: virtqDescFIndirect,
				})
				mem.writeDescriptor(testDescTable, 0, Descriptor{
					Addr: 0x6000, Len: descriptorSize, Flags: virtqDescFIndirect,
				})
			},
		},
		{
			name: "ragged table length",
			setup: func(mem *mockGuestMemory, q *Queue) {
				mem.writeDescriptor(testDescTable, 0, Descriptor{
					Addr: 0x6000, Len: descriptorSize + 3, Flags: virtqDescFIndirect,
				})
			},
		},
		{
			name: "zero table length",
			setup: func(mem *mockGuestMemory, q *Queue) {
				mem.writeDescriptor(testDescTable, 0, Descriptor{
					Addr: 0x6000, Len: 0, Flags: virtqDescFIndirect,
				})
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := newMockGuestMemory()
			q := newTestQueue(mem, 8)
			q.indirectDesc = true
			tc.setup(mem, q)
			publishAvail(mem, q, 0)

			if _, err := q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
				t.Fatalf("expected ErrMalformedChain, got %v", err)
			}
		})
	}
}

func TestMalformedChains(t *testing.T) {
	t.Run("index outside table", func(t *testing.T) {
		mem := newMockGuestMemory()
		q := newTestQueue(mem, 8)
		mem.writeDescriptor(testDescTable, 0, Descriptor{
			Addr: 0x4000, Len: 8, Flags: virtqDescFNext, Next: 9,
		})
		publishAvail(mem, q, 0)

		if _, err := q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatalf("expected ErrMalformedChain, got %v", err)
		}
	})

	t.Run("loop longer than queue", func(t *testing.T) {
		mem := newMockGuestMemory()
		q := newTestQueue(mem, 4)
		// 0 -> 1 -> 0 -> ... never terminates; the walk must stop after
		// size descriptors.
		mem.writeDescriptor(testDescTable, 0, Descriptor{
			Addr: 0x4000, Len: 8, Flags: virtqDescFNext, Next: 1,
		})
		mem.writeDescriptor(testDescTable, 1, Descriptor{
			Addr: 0x4100, Len: 8, Flags: virtqDescFNext, Next: 0,
		})
		publishAvail(mem, q, 0)

		if _, err := q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatalf("expected ErrMalformedChain, got %v", err)
		}
	})

	t.Run("malformed head observed again", func(t *testing.T) {
		mem := newMockGuestMemory()
		q := newTestQueue(mem, 8)
		mem.writeDescriptor(testDescTable, 0, Descriptor{
			Addr: 0x4000, Len: 8, Flags: virtqDescFNext, Next: 100,
		})
		publishAvail(mem, q, 0)

		if _, err := q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatal("expected first PopAvail to fail")
		}
		// The available index did not advance past the bad head.
		if _, err := q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatal("expected the bad head to be observed again")
		}
	})
}

func TestNeedsInterruptFlagMode(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)

	need, err := q.NeedsInterrupt()
	if err != nil {
		t.Fatalf("NeedsInterrupt: %v", err)
	}
	if !need {
		t.Error("expected interrupt with flags clear")
	}

	mem.writeUint16(testAvailRing, virtqAvailFNoInterrupt)
	need, err = q.NeedsInterrupt()
	if err != nil {
		t.Fatalf("NeedsInterrupt: %v", err)
	}
	if need {
		t.Error("expected suppression with VIRTQ_AVAIL_F_NO_INTERRUPT")
	}
}

func TestRingNeedsEvent(t *testing.T) {
	cases := []struct {
		event, new, old uint16
		want            bool
	}{
		{event: 0, new: 1, old: 0, want: true},
		{event: 1, new: 1, old: 0, want: false},
		{event: 5, new: 6, old: 4, want: true},
		{event: 5, new: 5, old: 4, want: false},
		{event: 10, new: 8, old: 4, want: false},
		// Wraparound: the interval (old, new] crosses event across 0xffff.
		{event: 0xfffe, new: 2, old: 0xfffc, want: true},
		{event: 3, new: 2, old: 0xfffc, want: false},
		{event: 0xffff, new: 0, old: 0xfffe, want: true},
	}
	for _, tc := range cases {
		got := ringNeedsEvent(tc.event, tc.new, tc.old)
		if got != tc.want {
			t.Errorf("ringNeedsEvent(%#x, %#x, %#x) = %v, want %v",
				tc.event, tc.new, tc.old, got, tc.want)
		}
	}
}

func TestEventIdxSuppression(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)
	q.eventIdx = true

	// Driver asks for a signal once used idx passes 0.
	usedEventAddr := testAvailRing + 4 + 8*2
	mem.writeUint16(usedEventAddr, 0)

	if err := q.PushUsed(0, 0); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	need, err := q.NeedsInterrupt()
	if err != nil {
		t.Fatalf("NeedsInterrupt: %v", err)
	}
	if !need {
		t.Fatal("expected interrupt after crossing used_event")
	}

	// used_event stays behind: a second completion without the driver
	// moving it must not signal again.
	if err := q.PushUsed(1, 0); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	need, err = q.NeedsInterrupt()
	if err != nil {
		t.Fatalf("NeedsInterrupt: %v", err)
	}
	if need {
		t.Fatal("expected suppression while used_event is behind")
	}
}

func TestPopAvailPublishesAvailEvent(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)
	q.eventIdx = true

	mem.writeDescriptor(testDescTable, 0, Descriptor{Addr: 0x4000, Len: 8})
	publishAvail(mem, q, 0)

	if _, err := q.PopAvail(); err != nil {
		t.Fatalf("PopAvail: %v", err)
	}
	availEventAddr := testUsedRing + 4 + 8*8
	if got := mem.readUint16(availEventAddr); got != 1 {
		t.Errorf("avail_event = %d, want 1", got)
	}
}

func TestEnableNotificationReportsLateArrival(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)

	if err := q.DisableNotification(); err != nil {
		t.Fatalf("DisableNotification: %v", err)
	}
	if got := mem.readUint16(testUsedRing); got&virtqUsedFNoNotify == 0 {
		t.Error("expected VIRTQ_USED_F_NO_NOTIFY set")
	}

	// A buffer arrives while notifications are off.
	mem.writeDescriptor(testDescTable, 0, Descriptor{Addr: 0x4000, Len: 8})
	publishAvail(mem, q, 0)

	more, err := q.EnableNotification()
	if err != nil {
		t.Fatalf("EnableNotification: %v", err)
	}
	if !more {
		t.Error("expected late arrival to be reported")
	}
	if got := mem.readUint16(testUsedRing); got&virtqUsedFNoNotify != 0 {
		t.Error("expected VIRTQ_USED_F_NO_NOTIFY cleared")
	}
}

func TestSetSizeValidation(t *testing.T) {
	mem := newMockGuestMemory()
	q := newQueue(mem, 256)

	if err := q.setSize(128); err != nil {
		t.Errorf("setSize(128): %v", err)
	}
	if err := q.setSize(100); err == nil {
		t.Error("setSize(100) accepted a non power of two")
	}
	if err := q.setSize(512); err == nil {
		t.Error("setSize(512) accepted a size above max")
	}
}

func TestWriteChainTruncatesAtCapacity(t *testing.T) {
	mem := newMockGuestMemory()
	q := newTestQueue(mem, 8)
	chain := &Chain{
		Writable: []Segment{{Addr: 0x5000, Len: 4}, {Addr: 0x5100, Len: 4}},
	}

	written, err := q.WriteChain(chain, []byte("0123456789"))
	if err != nil {
		t.Fatalf("WriteChain: %v", err)
	}
	if written != 8 {
		t.Errorf("written = %d, want 8", written)
	}
	if !bytes.Equal(mem.bytesAt(0x5000, 4), []byte("0123")) ||
		!bytes.Equal(mem.bytesAt(0x5100, 4), []byte("4567")) {
		t.Error("scattered write did not land in segments")
	}
}
