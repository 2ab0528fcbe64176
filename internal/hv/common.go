// Package hv defines the boundary between the device-emulation substrate and
// its hypervisor-side collaborators: guest physical memory, MMIO dispatch and
// interrupt delivery. Everything behind these interfaces (vCPU setup, boot
// loading, the actual KVM/HVF plumbing) is out of scope for this module.
package hv

import (
	"errors"
	"io"
	"math"
)

// ErrGuestMemory reports a guest-physical access outside the mapped region.
// Accessor implementations should wrap it so devices can classify the failure
// without inspecting the message.
var ErrGuestMemory = errors.New("guest memory access out of bounds")

// GuestMemory provides bounds-checked access to guest physical memory.
// Offsets are guest physical addresses. Implementations must be safe for
// concurrent use and must never block indefinitely: a read or write either
// completes against mapped memory or fails with an error wrapping
// ErrGuestMemory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// GuestOffset validates a guest physical access of the given length and
// returns the accessor offset for it. Overflowing accesses are rejected here
// so accessor implementations never see a wrapped range.
func GuestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, errors.Join(ErrGuestMemory, errors.New("negative access length"))
	}
	if addr > math.MaxInt64 || uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, ErrGuestMemory
	}
	return int64(addr), nil
}

// Device is anything attachable to a machine.
type Device interface {
	Init(mem GuestMemory) error
}

// MMIORegion describes one guest-physical window served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a device reachable through BAR- or platform-mapped
// MMIO. Accesses run on the vCPU-exit path and must stay short: dispatch,
// register bookkeeping, or a cross-context signal, never chain processing.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MSISignaler delivers a message-signaled interrupt to the guest. The
// hypervisor backend implements this (e.g. KVM_SIGNAL_MSI); tests use a
// recording stub.
type MSISignaler interface {
	SignalMSI(addr uint64, data uint32) error
}

// LineInterrupt is a level-triggered interrupt line into the guest's
// interrupt controller. Implementations must tolerate redundant SetLevel
// calls and must not call back into the device raising the line.
type LineInterrupt interface {
	SetLevel(high bool)
}

// NoopLineInterrupt discards level changes. Useful when a device is wired
// for MSI-X only.
type NoopLineInterrupt struct{}

func (NoopLineInterrupt) SetLevel(high bool) {}
