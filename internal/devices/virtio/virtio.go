// Package virtio implements the virtio 1.x device-emulation substrate: the
// split-virtqueue protocol engine, the generic device state machine, the PCI
// transport binding and snapshot/restore of in-flight device state.
// Device-specific payload logic (block, net, console, ...) plugs in through
// the DeviceHandler interface and is not implemented here beyond a minimal
// entropy device.
package virtio

import "errors"

// Device status bits, accumulated by the driver during bring-up. Only a
// write of zero clears them.
const (
	StatusAcknowledge uint8 = 1
	StatusDriver      uint8 = 2
	StatusDriverOK    uint8 = 4
	StatusFeaturesOK  uint8 = 8
	StatusNeedsReset  uint8 = 64
	StatusFailed      uint8 = 128
)

// Device type identifiers (virtio spec section 5).
const (
	DeviceIDNet     uint16 = 1
	DeviceIDBlock   uint16 = 2
	DeviceIDConsole uint16 = 3
	DeviceIDEntropy uint16 = 4
)

// Reserved feature bits negotiated by the core; device-class bits live below
// bit 24 and belong to the handler.
const (
	FeatureRingIndirectDesc = uint64(1) << 28
	FeatureRingEventIdx     = uint64(1) << 29
	FeatureVersion1         = uint64(1) << 32
)

// Descriptor flags.
const (
	virtqDescFNext     uint16 = 1
	virtqDescFWrite    uint16 = 2
	virtqDescFIndirect uint16 = 4
)

// Ring-level notification flags.
const (
	virtqAvailFNoInterrupt uint16 = 1
	virtqUsedFNoNotify     uint16 = 1
)

// ISR status bits (legacy INTx path).
const (
	isrQueueBit  uint8 = 0x1
	isrConfigBit uint8 = 0x2
)

const descriptorSize = 16

var (
	// ErrMalformedChain reports a descriptor chain the device refuses to
	// walk: a cycle or overlong chain, a descriptor index outside the
	// table, nested indirection, or a bad indirect table length. The
	// device recovers by transitioning toward NEEDS_RESET; the host
	// process keeps running.
	ErrMalformedChain = errors.New("malformed descriptor chain")

	// ErrFeatureRejected reports a driver feature set that is not a
	// subset of what the device offered.
	ErrFeatureRejected = errors.New("driver features not offered by device")

	// ErrQueueNotReady reports an operation on a queue whose addresses
	// and ready bit have not been configured.
	ErrQueueNotReady = errors.New("queue not ready")

	// ErrSnapshotGeometry reports a snapshot whose queue layout is
	// inconsistent with the device that is restoring it.
	ErrSnapshotGeometry = errors.New("snapshot geometry mismatch")
)

func isPowerOfTwo(v uint16) bool {
	return v != 0 && v&(v-1) == 0
}
