package chipset

import (
	"fmt"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

type mmioBinding struct {
	region  hv.MMIORegion
	handler hv.MemoryMappedIODevice
}

// ChipsetBuilder registers devices and their intercepts before creating a
// Chipset. Registration order is preserved for lifecycle calls.
type ChipsetBuilder struct {
	order   []string
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
}

// NewBuilder returns an empty ChipsetBuilder.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a chipset device and wires up its MMIO windows.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if mmioDev, ok := dev.(hv.MemoryMappedIODevice); ok {
		for _, region := range mmioDev.MMIORegions() {
			if err := b.withMMIORegion(region, mmioDev); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.order = append(b.order, name)
	b.devices[name] = dev
	return nil
}

func (b *ChipsetBuilder) withMMIORegion(region hv.MMIORegion, handler hv.MemoryMappedIODevice) error {
	if region.Size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", region.Address)
	}
	if region.Address+region.Size < region.Address {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", region.Address, region.Size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(region.Address, region.Size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf("MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				region.Address, region.Address+region.Size-1,
				existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{region: region, handler: handler})
	return nil
}

func regionsOverlap(aBase, aSize, bBase, bSize uint64) bool {
	return aBase < bBase+bSize && bBase < aBase+aSize
}

// Build produces the Chipset and initializes every device against guest
// memory.
func (b *ChipsetBuilder) Build(mem hv.GuestMemory) (*Chipset, error) {
	c := &Chipset{
		order:   append([]string(nil), b.order...),
		devices: make(map[string]ChipsetDevice, len(b.devices)),
		mmio:    append([]mmioBinding(nil), b.mmio...),
	}
	for name, dev := range b.devices {
		c.devices[name] = dev
	}
	for _, name := range c.order {
		if err := c.devices[name].Init(mem); err != nil {
			return nil, fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return c, nil
}
