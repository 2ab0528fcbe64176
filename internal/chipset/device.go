// Package chipset ties the emulated devices of one machine together: a
// registry with lifecycle control, MMIO dispatch, interrupt line plumbing
// and whole-machine snapshot capture.
package chipset

import (
	"io"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the interface all registered devices must implement.
// Optional capabilities (MMIO windows, quiescing, snapshots) are detected
// by interface assertion at registration time.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState
}

// Quiescer is a device that can pause its internal processing so that no
// guest-visible state changes while a snapshot is captured.
type Quiescer interface {
	Quiesce()
	Resume()
}

// Snapshotter is a device whose state can travel in a machine snapshot.
type Snapshotter interface {
	SaveSnapshot(w io.Writer) error
	RestoreSnapshot(r io.Reader) error
}
