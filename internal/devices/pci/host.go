// Package pci implements a minimal ECAM root complex: enough of a PCI host
// bridge to enumerate type-0 functions, route configuration accesses and
// hand out BAR windows from a flat MMIO aperture.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
)

// ConfigSpace models configuration space access for one bus/device/function.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(io bool, size uint32, align uint32) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{base: base, size: size, next: base}
}

func (a *linearAllocator) Allocate(io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	align64 := uint64(align)
	base := (a.next + align64 - 1) &^ (align64 - 1)
	if base < a.base || base+uint64(size) < base || base+uint64(size) > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO aperture exhausted")
	}
	a.next = base + uint64(size)
	return base, nil
}

type functionKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k functionKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type functionSlot struct {
	endpoint Endpoint
	provider ConfigSpace
	barValue [type0BARCount]uint32
	barSize  [type0BARCount]uint32
}

// onConfigWrite records a BAR reprogram and reports whether the endpoint
// needs to be told. Sizing writes (all ones) stay inside the endpoint.
func (s *functionSlot) onConfigWrite(offset uint16, size uint8, value uint32) (int, uint32, bool) {
	if s == nil || s.endpoint == nil || size != 4 {
		return 0, 0, false
	}
	if offset < type0BAROffset || offset >= type0BAROffset+type0BARCount*type0BARStride {
		return 0, 0, false
	}
	if offset%type0BARStride != 0 || value == 0xffff_ffff {
		return 0, 0, false
	}
	index := int((offset - type0BAROffset) / type0BARStride)
	s.barValue[index] = value
	return index, value, true
}

// DeviceHandle lets a registered endpoint ask the bridge for resources.
type DeviceHandle struct {
	host *HostBridge
	key  functionKey
}

// AllocateMemoryBAR reserves MMIO space for the given BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.key, index, false, size, align)
}

// HostBridgeConfig describes the ECAM window and the BAR aperture.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8
	BARAllocator BARAllocator
}

// HostBridge is an ECAM-capable PCI root complex serving bus 0.
type HostBridge struct {
	configBase uint64
	configSize uint64

	mmioBase uint64
	mmioSize uint64

	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	barAllocator BARAllocator

	mu        sync.Mutex
	functions map[functionKey]*functionSlot
}

// NewHostBridge constructs a host bridge from cfg, filling in defaults for
// any zero field.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0x2000_0000
		defaultMMIOSize = 0x1000_0000
	)

	h := &HostBridge{
		configBase:   cfg.ConfigBase,
		configSize:   cfg.ConfigSize,
		mmioBase:     cfg.MMIOBase,
		mmioSize:     cfg.MMIOSize,
		rootVendorID: cfg.RootVendorID,
		rootDeviceID: cfg.RootDeviceID,
		maxBus:       cfg.MaxBus,
		functions:    make(map[functionKey]*functionSlot),
	}
	if h.rootVendorID == 0 {
		h.rootVendorID = 0x1af4
	}
	if h.rootDeviceID == 0 {
		h.rootDeviceID = 0x0001
	}
	if h.configSize == 0 {
		// 1 MiB of ECAM per decodable bus, so the window and the bus
		// decode always agree.
		h.configSize = (uint64(h.maxBus) + 1) << 20
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if cfg.BARAllocator != nil {
		h.barAllocator = cfg.BARAllocator
	} else {
		h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	}
	return h
}

// Init implements hv.Device.
func (*HostBridge) Init(hv.GuestMemory) error {
	return nil
}

// Start implements chipset lifecycle; the bridge has no background work.
func (*HostBridge) Start() error { return nil }

// Stop implements chipset lifecycle.
func (*HostBridge) Stop() error { return nil }

// Reset implements chipset lifecycle. Endpoint state is owned by the
// endpoints themselves.
func (*HostBridge) Reset() error { return nil }

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	if h.configSize == 0 {
		return nil
	}
	return []hv.MMIORegion{{Address: h.configBase, Size: h.configSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice. Oversized accesses are split
// into naturally aligned chunks; addresses with no function behind them
// read as all ones, byte by byte.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	cursor := 0
	for cursor < len(data) {
		key, reg, ok := h.decodeConfigAddress(offset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			offset++
			continue
		}
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		offset += uint64(chunk)
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	cursor := 0
	for cursor < len(data) {
		key, reg, ok := h.decodeConfigAddress(offset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
		offset += uint64(chunk)
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (functionKey, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if bus > h.maxBus {
		return functionKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	return functionKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) readConfig(key functionKey, offset uint16, size uint8) uint32 {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return 0xffff_ffff
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return 0xffff_ffff
	}
	return maskValue(value, size)
}

func (h *HostBridge) writeConfig(key functionKey, offset uint16, size uint8, value uint32) {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return
	}
	provider := h.provider(key)
	if provider == nil {
		return
	}
	if err := provider.WriteConfig(offset, size, value); err != nil {
		return
	}

	var (
		endpoint Endpoint
		barIdx   int
		barValue uint32
		notify   bool
	)
	h.mu.Lock()
	if slot := h.functions[key]; slot != nil {
		barIdx, barValue, notify = slot.onConfigWrite(offset, size, value)
		if notify {
			endpoint = slot.endpoint
		}
	}
	h.mu.Unlock()

	if notify && endpoint != nil {
		_ = endpoint.OnBARReprogram(barIdx, barValue)
	}
}

// readRootConfig serves 00:00.0, the bridge's own header.
func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 || int(offset)+int(size) > 256 {
		return 0xffff_ffff
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06 // base class: bridge
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint attaches an endpoint at the given location on bus 0.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := functionKey{bus: bus, dev: device, fn: function}
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return nil, fmt.Errorf("00:00.0 is reserved for the host bridge")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.functions[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.functions[key] = &functionSlot{endpoint: endpoint, provider: provider}
	return &DeviceHandle{host: h, key: key}, nil
}

func (h *HostBridge) provider(key functionKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.functions[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func (h *HostBridge) allocateBAR(key functionKey, index int, io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	base, err := h.barAllocator.Allocate(io, size, align)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	slot := h.functions[key]
	if slot == nil {
		return 0, fmt.Errorf("device %s not registered", key)
	}
	slot.barSize[index] = size
	slot.barValue[index] = uint32(base)
	return base, nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
)
