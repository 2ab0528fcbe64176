// Package stratovrit assembles a virtio device substrate for a virtual
// machine monitor: a PCI host bridge, virtio functions built from a
// manifest, MMIO dispatch for the vCPU exit path and whole-machine
// snapshot capture for live migration.
//
// The hypervisor side (vCPU setup, guest memory mapping, interrupt
// controller) stays behind the interfaces in internal/hv; this package
// only wires devices to whatever implements them.
package stratovrit

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/yuluo-zy/stratovrit/internal/chipset"
	"github.com/yuluo-zy/stratovrit/internal/config"
	"github.com/yuluo-zy/stratovrit/internal/devices/pci"
	"github.com/yuluo-zy/stratovrit/internal/devices/virtio"
	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// MachineOptions carries the hypervisor-side collaborators for a machine.
// Zero values get safe defaults: a discarding line set and no MSI-X.
type MachineOptions struct {
	Logger *slog.Logger

	// MSI delivers MSI-X messages to the guest. When nil, devices fall
	// back to legacy line interrupts only.
	MSI hv.MSISignaler

	// Interrupts receives legacy line level changes.
	Interrupts chipset.InterruptSink
}

// Machine is the assembled device substrate of one guest.
type Machine struct {
	logger *slog.Logger

	mem       hv.GuestMemory
	chipset   *chipset.Chipset
	host      *pci.HostBridge
	functions map[string]*virtio.PCIDevice
}

// NewMachine builds the device tree described by the manifest on top of the
// given guest memory.
func NewMachine(mem hv.GuestMemory, manifest *config.Manifest, opts MachineOptions) (*Machine, error) {
	if mem == nil {
		return nil, fmt.Errorf("guest memory is required")
	}
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	host := pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: manifest.Machine.ECAMBase,
		MMIOBase:   manifest.Machine.MMIOBase,
	})
	lines := chipset.NewLineSet(opts.Interrupts)

	m := &Machine{
		logger:    logger,
		mem:       mem,
		host:      host,
		functions: make(map[string]*virtio.PCIDevice, len(manifest.Devices)),
	}

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("pci-host", host); err != nil {
		return nil, err
	}

	for i := range manifest.Devices {
		dc := &manifest.Devices[i]
		handler, err := buildHandler(dc)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		fn, err := virtio.NewPCIDevice(host, virtio.PCIDeviceConfig{
			Device: dc.Slot,
			MSI:    opts.MSI,
			Line:   lines.AllocateLine(dc.Slot),
		}, handler, mem, logger.With("name", dc.Name))
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		if err := builder.RegisterDevice(dc.Name, fn); err != nil {
			fn.Close()
			return nil, err
		}
		m.functions[dc.Name] = fn
		logger.Info("placed virtio function",
			"name", dc.Name, "kind", dc.Kind, "slot", dc.Slot)
	}

	cs, err := builder.Build(mem)
	if err != nil {
		return nil, err
	}
	m.chipset = cs
	return m, nil
}

func buildHandler(dc *config.DeviceConfig) (virtio.DeviceHandler, error) {
	var handler virtio.DeviceHandler
	switch dc.Kind {
	case config.KindEntropy:
		handler = virtio.NewEntropyDevice(nil)
	default:
		return nil, fmt.Errorf("unknown device kind %q", dc.Kind)
	}
	return virtio.WithQueueCap(handler, dc.QueueSize), nil
}

// Start activates all devices.
func (m *Machine) Start() error { return m.chipset.Start() }

// Stop tears all devices down.
func (m *Machine) Stop() error { return m.chipset.Stop() }

// Reset returns every device to its power-on state.
func (m *Machine) Reset() error { return m.chipset.Reset() }

// HandleMMIO dispatches one guest MMIO access. The hypervisor backend calls
// this from its vCPU exit loop.
func (m *Machine) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return m.chipset.HandleMMIO(addr, data, isWrite)
}

// Function returns the virtio PCI function registered under name, or nil.
func (m *Machine) Function(name string) *virtio.PCIDevice {
	return m.functions[name]
}

// SaveSnapshot quiesces every device, captures the machine state to w and
// resumes. Guest memory contents are not included; the caller saves those
// alongside.
func (m *Machine) SaveSnapshot(ctx context.Context, w io.Writer) error {
	if err := m.chipset.Quiesce(ctx); err != nil {
		m.chipset.Resume()
		return err
	}
	defer m.chipset.Resume()
	return m.chipset.SaveSnapshot(w)
}

// RestoreSnapshot replaces the device state with the one read from r. The
// machine must not be serving vCPU exits while this runs.
func (m *Machine) RestoreSnapshot(r io.Reader) error {
	return m.chipset.RestoreSnapshot(r)
}
