package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yuluo-zy/stratovrit/internal/devices/pci"
	"github.com/yuluo-zy/stratovrit/internal/hv"
)

const (
	pciVendorVirtio    = 0x1af4
	pciDeviceIDModern  = 0x1040 // modern device IDs are 0x1040 + type
	pciRevisionModern  = 0x01
	pciClassOther      = 0x00
	pciInterruptPinA   = 0x01
	pciStatusCapList   = 0x10
	pciCapIDVendor     = 0x09
	pciCapIDMSIX       = 0x11
	pciType0BAROffset  = 0x10
	pciType0BARCount   = 6
	pciBARAttrMaskMem  = 0xf
	pciBARAttrMaskIO   = 0x3
	pciInvalidBARAlias = -1
)

// Virtio structure types carried in vendor-specific capabilities.
const (
	capCommonCfg   = 1
	capNotifyCfg   = 2
	capISRCfg      = 3
	capDeviceCfg   = 4
	capPCICfg      = 5
	capSharedMem   = 8
	capVendorCfg   = 9
	virtioCapLen   = 16
	notifyCapLen   = 20 // plain cap plus notify_off_multiplier
	msixCapOffset  = 0x50
	virtioCapStart = 0x60
)

// Common configuration register offsets.
const (
	commonDeviceFeatureSel = 0x00
	commonDeviceFeature    = 0x04
	commonDriverFeatureSel = 0x08
	commonDriverFeature    = 0x0c
	commonMSIXConfig       = 0x10
	commonNumQueues        = 0x12
	commonDeviceStatus     = 0x14
	commonConfigGeneration = 0x15
	commonQueueSelect      = 0x16
	commonQueueSize        = 0x18
	commonQueueMSIXVector  = 0x1a
	commonQueueEnable      = 0x1c
	commonQueueNotifyOff   = 0x1e
	commonQueueDescLo      = 0x20
	commonQueueDescHi      = 0x24
	commonQueueDriverLo    = 0x28
	commonQueueDriverHi    = 0x2c
	commonQueueDeviceLo    = 0x30
	commonQueueDeviceHi    = 0x34
	commonCfgSize          = 0x38
)

const (
	msixEntrySize          = 16
	msixTableSizeMask      = 0x07ff
	msixControlEnableBit   = 0x8000
	msixControlFunctionBit = 0x4000
)

type pciBAR struct {
	size       uint64
	attributes uint32
	isIO       bool
	is64       bool
	aliasOf    int
	rawLow     uint32
	rawHigh    uint32
	value      uint64
	sizing     bool
}

func (b *pciBAR) sizeMask() uint64 {
	if b.size == 0 {
		return 0
	}
	mask := ^(b.size - 1)
	if b.isIO {
		return (mask &^ uint64(pciBARAttrMaskIO)) | uint64(b.attributes&pciBARAttrMaskIO)
	}
	return (mask &^ uint64(pciBARAttrMaskMem)) | uint64(b.attributes&pciBARAttrMaskMem)
}

func regionContains(base uint64, length uint32, addr uint64, accessLen uint32) bool {
	if length == 0 {
		return false
	}
	end := base + uint64(length)
	accessEnd := addr + uint64(accessLen)
	return base != 0 && addr >= base && accessEnd <= end
}

type msixEntry struct {
	addr   uint64
	data   uint32
	masked bool
}

// PCIDevice exposes a virtio device over the PCI transport: the vendor
// capability chain, common/notify/ISR/device-config BAR regions and MSI-X.
// It owns the transport registers; the embedded Device owns negotiation and
// queue processing.
//
// tmu guards the transport registers and MSI-X state. It is a leaf lock:
// nothing is called while it is held except the MSI signaler and the legacy
// line, so interrupt delivery running under the device lock may take it.
type PCIDevice struct {
	dev    *Device
	logger *slog.Logger

	msi  hv.MSISignaler
	line hv.LineInterrupt

	busNum  uint8
	devNum  uint8
	funcNum uint8

	pciHost  *pci.HostBridge
	endpoint *pci.DeviceHandle

	tmu sync.Mutex

	command       uint16
	statusReg     uint16
	capPointer    uint8
	interruptLine uint8
	interruptPin  uint8

	bars [pciType0BARCount]pciBAR

	commonCfgBAR    uint8
	commonCfgOffset uint32
	commonCfgLength uint32
	commonCfgAddr   uint64

	notifyCfgBAR        uint8
	notifyCfgOffset     uint32
	notifyCfgLength     uint32
	notifyCfgAddr       uint64
	notifyOffMultiplier uint32

	isrCfgBAR    uint8
	isrCfgOffset uint32
	isrCfgLength uint32
	isrCfgAddr   uint64

	deviceCfgBAR    uint8
	deviceCfgOffset uint32
	deviceCfgLength uint32
	deviceCfgAddr   uint64

	commonCfgCapOffset uint16
	notifyCfgCapOffset uint16
	isrCfgCapOffset    uint16
	deviceCfgCapOffset uint16

	commonCfgCapData []byte
	notifyCfgCapData []byte
	isrCfgCapData    []byte
	deviceCfgCapData []byte

	vendorID          uint16
	deviceID          uint16
	subsystemVendorID uint16
	subsystemDeviceID uint16

	supportsMSIX    bool
	msixCapNext     uint8
	msixControl     uint16
	msixTableBAR    uint8
	msixTableOffset uint32
	msixTableLength uint32
	msixPBABAR      uint8
	msixPBAOffset   uint32
	msixPBALength   uint32
	msixTableAddr   uint64
	msixPBAAddr     uint64
	msixEntries     []msixEntry
	msixPending     []uint64
}

// PCIDeviceConfig carries the bus placement and transport options for a
// virtio PCI function.
type PCIDeviceConfig struct {
	Bus      uint8
	Device   uint8
	Function uint8

	// MSI delivers MSI-X messages; nil disables the MSI-X capability and
	// leaves only the legacy line path.
	MSI hv.MSISignaler

	// Line is the legacy INTx line. Optional when MSI is set.
	Line hv.LineInterrupt
}

// NewPCIDevice builds a virtio-over-PCI function around handler and
// registers it with the host bridge.
func NewPCIDevice(host *pci.HostBridge, cfg PCIDeviceConfig, handler DeviceHandler, mem hv.GuestMemory, logger *slog.Logger) (*PCIDevice, error) {
	if handler == nil {
		return nil, fmt.Errorf("virtio-pci: nil device handler")
	}
	if handler.NumQueues() <= 0 {
		return nil, fmt.Errorf("virtio-pci: device must expose at least one queue")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dev := NewDevice(handler, mem, logger)
	queueCount := len(dev.queues)

	p := &PCIDevice{
		dev:    dev,
		logger: dev.logger,
		msi:    cfg.MSI,
		line:   cfg.Line,

		busNum:  cfg.Bus,
		devNum:  cfg.Device,
		funcNum: cfg.Function,

		vendorID:          pciVendorVirtio,
		deviceID:          pciDeviceIDModern + handler.DeviceID(),
		subsystemVendorID: pciVendorVirtio,
		subsystemDeviceID: handler.DeviceID(),

		interruptPin: pciInterruptPinA,

		commonCfgBAR:    0,
		commonCfgLength: commonCfgSize,

		isrCfgBAR:    1,
		isrCfgLength: 1,

		notifyCfgBAR:        2,
		notifyCfgLength:     uint32(queueCount) * 4,
		notifyOffMultiplier: 4,

		deviceCfgBAR:    4,
		deviceCfgLength: 0x1000,
	}
	if p.line == nil {
		p.line = hv.NoopLineInterrupt{}
	}

	p.initBARs()
	if p.msi != nil {
		p.configureMSIXCapability(msixCapOffset)
	}
	p.configureVirtioCapabilities(virtioCapStart)

	if host != nil {
		endpoint, err := host.RegisterEndpoint(cfg.Bus, cfg.Device, cfg.Function, p)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("register pci endpoint: %w", err)
		}
		p.pciHost = host
		p.endpoint = endpoint
		if err := p.allocateBARs(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("allocate pci bars: %w", err)
		}
	}

	dev.setInterruptSink(p)
	return p, nil
}

// Device returns the transport-independent device core.
func (p *PCIDevice) Device() *Device { return p.dev }

// Close tears the function down.
func (p *PCIDevice) Close() error { return p.dev.Close() }

// Init implements hv.Device.
func (p *PCIDevice) Init(mem hv.GuestMemory) error { return nil }

// Start is a no-op: the worker goroutine runs from construction.
func (p *PCIDevice) Start() error { return nil }

// Stop tears the function down.
func (p *PCIDevice) Stop() error { return p.Close() }

// Reset returns the function to its power-on state.
func (p *PCIDevice) Reset() error {
	p.ResetFunction()
	return nil
}

// Quiesce pauses queue processing so no chain is in flight.
func (p *PCIDevice) Quiesce() { p.dev.Quiesce() }

// Resume restarts queue processing after Quiesce.
func (p *PCIDevice) Resume() { p.dev.Resume() }

func (p *PCIDevice) initBARs() {
	for i := range p.bars {
		p.bars[i] = pciBAR{aliasOf: pciInvalidBARAlias}
	}
	p.setMemoryBAR(int(p.commonCfgBAR), sizeForLength(p.commonCfgLength))
	p.setMemoryBAR(int(p.isrCfgBAR), sizeForLength(p.isrCfgLength))
	p.setMemoryBAR(int(p.notifyCfgBAR), sizeForLength(p.notifyCfgLength))
	p.setMemoryBAR64(int(p.deviceCfgBAR), sizeForLength(p.deviceCfgLength))
	p.recomputeRegionAddrs()
}

// sizeForLength rounds a region length up to a power of two of at least one
// page, the granularity BAR sizing operates at.
func sizeForLength(length uint32) uint64 {
	if length == 0 {
		return 0x1000
	}
	size := uint64(1)
	for size < uint64(length) {
		size <<= 1
	}
	if size < 0x1000 {
		return 0x1000
	}
	return size
}

func alignUp32(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

func (p *PCIDevice) setMemoryBAR(index int, size uint64) {
	if index < 0 || index >= len(p.bars) {
		return
	}
	p.bars[index] = pciBAR{
		size:    size,
		aliasOf: pciInvalidBARAlias,
	}
}

func (p *PCIDevice) setMemoryBAR64(index int, size uint64) {
	if index < 0 || index >= len(p.bars) {
		return
	}
	attrs := uint32(0x4)
	p.bars[index] = pciBAR{
		size:       size,
		attributes: attrs,
		is64:       true,
		aliasOf:    pciInvalidBARAlias,
		rawLow:     attrs,
	}
	if index+1 < len(p.bars) {
		p.bars[index+1] = pciBAR{aliasOf: index}
	}
}

func (p *PCIDevice) baseBAR(index int) *pciBAR {
	if index < 0 || index >= len(p.bars) {
		return nil
	}
	if alias := p.bars[index].aliasOf; alias >= 0 {
		return &p.bars[alias]
	}
	return &p.bars[index]
}

func (p *PCIDevice) barIsHigh(index int) bool {
	return index >= 0 && index < len(p.bars) && p.bars[index].aliasOf >= 0
}

func (p *PCIDevice) barBase(index uint8) uint64 {
	if index >= uint8(len(p.bars)) {
		return 0
	}
	bar := p.baseBAR(int(index))
	if bar == nil {
		return 0
	}
	return bar.value
}

func (p *PCIDevice) recomputeRegionAddrs() {
	p.commonCfgAddr = p.barBase(p.commonCfgBAR) + uint64(p.commonCfgOffset)
	p.notifyCfgAddr = p.barBase(p.notifyCfgBAR) + uint64(p.notifyCfgOffset)
	p.isrCfgAddr = p.barBase(p.isrCfgBAR) + uint64(p.isrCfgOffset)
	p.deviceCfgAddr = p.barBase(p.deviceCfgBAR) + uint64(p.deviceCfgOffset)
	if p.supportsMSIX {
		p.msixTableAddr = p.barBase(p.msixTableBAR) + uint64(p.msixTableOffset)
		p.msixPBAAddr = p.barBase(p.msixPBABAR) + uint64(p.msixPBAOffset)
	}
}

func (p *PCIDevice) configureMSIXCapability(offset uint16) {
	vectorCount := len(p.dev.queues) + 1
	p.supportsMSIX = true

	p.msixEntries = make([]msixEntry, vectorCount)
	for i := range p.msixEntries {
		p.msixEntries[i].masked = true
	}
	p.msixPending = make([]uint64, (vectorCount+63)/64)
	p.msixControl = uint16(vectorCount-1) & msixTableSizeMask

	p.msixTableBAR = 3
	p.msixPBABAR = 3
	p.msixTableOffset = 0
	p.msixTableLength = uint32(vectorCount * msixEntrySize)
	p.msixPBAOffset = alignUp32(p.msixTableLength, 8)
	p.msixPBALength = uint32(len(p.msixPending) * 8)

	p.setMemoryBAR(int(p.msixTableBAR), sizeForLength(p.msixPBAOffset+p.msixPBALength))
	p.registerCapability(offset)
}

func (p *PCIDevice) configureVirtioCapabilities(start uint16) {
	p.registerCapability(start)
	p.commonCfgCapOffset = start
	p.notifyCfgCapOffset = p.commonCfgCapOffset + virtioCapLen
	p.isrCfgCapOffset = p.notifyCfgCapOffset + notifyCapLen
	p.deviceCfgCapOffset = p.isrCfgCapOffset + virtioCapLen

	p.commonCfgCapData = make([]byte, virtioCapLen)
	p.notifyCfgCapData = make([]byte, notifyCapLen)
	p.isrCfgCapData = make([]byte, virtioCapLen)
	p.deviceCfgCapData = make([]byte, virtioCapLen)

	initVirtioCap(p.commonCfgCapData, capPointer(p.notifyCfgCapOffset), capCommonCfg, p.commonCfgBAR, p.commonCfgOffset, p.commonCfgLength)
	initVirtioCap(p.notifyCfgCapData, capPointer(p.isrCfgCapOffset), capNotifyCfg, p.notifyCfgBAR, p.notifyCfgOffset, p.notifyCfgLength)
	binary.LittleEndian.PutUint32(p.notifyCfgCapData[16:], p.notifyOffMultiplier)
	initVirtioCap(p.isrCfgCapData, capPointer(p.deviceCfgCapOffset), capISRCfg, p.isrCfgBAR, p.isrCfgOffset, p.isrCfgLength)
	initVirtioCap(p.deviceCfgCapData, 0, capDeviceCfg, p.deviceCfgBAR, p.deviceCfgOffset, p.deviceCfgLength)

	if p.supportsMSIX {
		p.msixCapNext = capPointer(p.commonCfgCapOffset)
	}
}

func initVirtioCap(buf []byte, next uint8, cfgType uint8, bar uint8, offset uint32, length uint32) {
	buf[0] = pciCapIDVendor
	buf[1] = next
	buf[2] = uint8(len(buf))
	buf[3] = cfgType
	buf[4] = bar
	binary.LittleEndian.PutUint32(buf[8:12], offset)
	binary.LittleEndian.PutUint32(buf[12:16], length)
}

func capPointer(offset uint16) uint8 {
	if offset == 0 || offset > 0xff {
		return 0
	}
	return uint8(offset)
}

func (p *PCIDevice) registerCapability(offset uint16) {
	ptr := capPointer(offset)
	if ptr == 0 {
		return
	}
	if p.capPointer == 0 || ptr < p.capPointer {
		p.capPointer = ptr
	}
	p.statusReg |= pciStatusCapList
}

func (p *PCIDevice) allocateBARs() error {
	if p.endpoint == nil {
		return nil
	}
	for index := range p.bars {
		bar := &p.bars[index]
		if bar.aliasOf >= 0 || bar.size == 0 {
			continue
		}
		size := uint32(bar.size)
		align := size
		if align == 0 || align&(align-1) != 0 {
			align = 0x1000
		}
		base, err := p.endpoint.AllocateMemoryBAR(index, size, align)
		if err != nil {
			return err
		}
		if err := p.OnBARReprogram(index, uint32(base)); err != nil {
			return err
		}
		if bar.is64 {
			if err := p.OnBARReprogram(index+1, uint32(base>>32)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConfigSpace implements pci.Endpoint.
func (p *PCIDevice) ConfigSpace() pci.ConfigSpace { return p }

// OnBARReprogram implements pci.Endpoint.
func (p *PCIDevice) OnBARReprogram(index int, value uint32) error {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	return p.reprogramBAR(index, value)
}

func (p *PCIDevice) reprogramBAR(index int, value uint32) error {
	if index < 0 || index >= len(p.bars) {
		return fmt.Errorf("BAR index %d out of range", index)
	}
	bar := p.baseBAR(index)
	if bar == nil {
		return fmt.Errorf("BAR %d not configured", index)
	}

	if p.barIsHigh(index) {
		if !bar.is64 {
			return nil
		}
		bar.rawHigh = value
	} else {
		attrMask := uint32(pciBARAttrMaskMem)
		if bar.isIO {
			attrMask = pciBARAttrMaskIO
		}
		bar.rawLow = (value &^ attrMask) | (bar.attributes & attrMask)
		if !bar.is64 {
			bar.rawHigh = 0
		}
		bar.sizing = false
	}

	if bar.is64 {
		bar.value = (uint64(bar.rawHigh) << 32) | uint64(bar.rawLow&0xffff_fff0)
	} else if bar.isIO {
		bar.value = uint64(bar.rawLow & 0xffff_fffc)
	} else {
		bar.value = uint64(bar.rawLow & 0xffff_fff0)
	}

	p.recomputeRegionAddrs()
	return nil
}

// ReadConfig implements pci.ConfigSpace.
func (p *PCIDevice) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if size == 4 && offset&0x3 != 0 {
		return 0, fmt.Errorf("unaligned 32-bit config read at %#x", offset)
	}
	p.tmu.Lock()
	value, err := p.readConfigDWord(offset &^ 0x3)
	p.tmu.Unlock()
	if err != nil {
		return 0, err
	}
	if size == 4 {
		return value, nil
	}
	shift := (offset & 0x3) * 8
	mask := uint32(1)<<(size*8) - 1
	return (value >> shift) & mask, nil
}

// WriteConfig implements pci.ConfigSpace.
func (p *PCIDevice) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	p.tmu.Lock()
	defer p.tmu.Unlock()

	base := offset &^ 0x3
	if size == 4 && offset == base {
		return p.writeConfigDWord(base, value)
	}
	current, err := p.readConfigDWord(base)
	if err != nil {
		return err
	}
	shift := (offset & 0x3) * 8
	mask := (uint32(1)<<(size*8) - 1) << shift
	merged := (current &^ mask) | ((value << shift) & mask)
	return p.writeConfigDWord(base, merged)
}

func (p *PCIDevice) readConfigDWord(offset uint16) (uint32, error) {
	switch offset {
	case 0x00:
		return uint32(p.vendorID) | uint32(p.deviceID)<<16, nil
	case 0x04:
		return uint32(p.command) | uint32(p.statusReg)<<16, nil
	case 0x08:
		return uint32(pciRevisionModern) | uint32(pciClassOther)<<24, nil
	case 0x0c:
		return 0, nil // header type 0
	case 0x2c:
		return uint32(p.subsystemVendorID) | uint32(p.subsystemDeviceID)<<16, nil
	case 0x30:
		return 0, nil // no expansion ROM
	case 0x34:
		return uint32(p.capPointer), nil
	case 0x3c:
		return uint32(p.interruptLine) | uint32(p.interruptPin)<<8, nil
	}

	if offset >= pciType0BAROffset && offset < pciType0BAROffset+pciType0BARCount*4 {
		return p.readBAR(offset)
	}
	if value, ok := p.readMSIXCap(offset); ok {
		return value, nil
	}
	if value, ok := p.readVirtioCap(offset); ok {
		return value, nil
	}
	return 0, nil
}

func (p *PCIDevice) writeConfigDWord(offset uint16, value uint32) error {
	switch offset {
	case 0x04:
		p.command = uint16(value)
		p.statusReg &^= uint16(value >> 16)
		p.statusReg |= pciStatusCapList
		return nil
	case 0x3c:
		p.interruptLine = uint8(value)
		return nil
	}

	if offset >= pciType0BAROffset && offset < pciType0BAROffset+pciType0BARCount*4 {
		return p.writeBAR(offset, value)
	}
	if p.writeMSIXCap(offset, value) {
		return nil
	}
	return nil
}

func (p *PCIDevice) readBAR(offset uint16) (uint32, error) {
	index := int((offset - pciType0BAROffset) / 4)
	bar := p.baseBAR(index)
	if bar == nil {
		return 0, nil
	}
	isHigh := p.barIsHigh(index)

	if bar.sizing {
		mask := bar.sizeMask()
		if isHigh {
			return uint32(mask >> 32), nil
		}
		return uint32(mask), nil
	}
	if isHigh {
		if !bar.is64 {
			return 0, nil
		}
		return bar.rawHigh, nil
	}
	return bar.rawLow, nil
}

func (p *PCIDevice) writeBAR(offset uint16, value uint32) error {
	index := int((offset - pciType0BAROffset) / 4)
	bar := p.baseBAR(index)
	if bar == nil {
		return nil
	}
	isHigh := p.barIsHigh(index)
	if value == 0xffff_ffff {
		if !isHigh {
			bar.sizing = true
		}
		return nil
	}
	if !isHigh {
		bar.sizing = false
	}
	return nil
}

func (p *PCIDevice) readMSIXCap(offset uint16) (uint32, bool) {
	if !p.supportsMSIX {
		return 0, false
	}
	switch offset {
	case msixCapOffset:
		return uint32(pciCapIDMSIX) | uint32(p.msixCapNext)<<8 | uint32(p.msixControl)<<16, true
	case msixCapOffset + 4:
		return (uint32(p.msixTableOffset) &^ 0x7) | uint32(p.msixTableBAR&0x7), true
	case msixCapOffset + 8:
		return (uint32(p.msixPBAOffset) &^ 0x7) | uint32(p.msixPBABAR&0x7), true
	default:
		return 0, false
	}
}

func (p *PCIDevice) writeMSIXCap(offset uint16, value uint32) bool {
	if !p.supportsMSIX || offset != msixCapOffset {
		return false
	}
	p.updateMSIXControl(uint16(value >> 16))
	return true
}

// updateMSIXControl applies a message-control write. Flipping the enable
// bit while the driver is live would silently reroute interrupts, so it is
// refused once DRIVER_OK is set; mask bits remain writable at any time.
func (p *PCIDevice) updateMSIXControl(value uint16) {
	sizeBits := uint16(len(p.msixEntries)-1) & msixTableSizeMask
	oldControl := p.msixControl
	newControl := sizeBits | value&(msixControlEnableBit|msixControlFunctionBit)

	if (oldControl^newControl)&msixControlEnableBit != 0 && p.dev.Status()&StatusDriverOK != 0 {
		p.logger.Warn("ignoring MSI-X enable change on a live device")
		newControl = newControl&^msixControlEnableBit | oldControl&msixControlEnableBit
	}

	p.msixControl = newControl
	if (oldControl&msixControlFunctionBit != 0 && newControl&msixControlFunctionBit == 0) ||
		(oldControl&msixControlEnableBit == 0 && newControl&msixControlEnableBit != 0) {
		p.flushMSIXPending()
	}
}

func (p *PCIDevice) readVirtioCap(offset uint16) (uint32, bool) {
	if value, ok := readCapabilityRegion(p.commonCfgCapData, p.commonCfgCapOffset, offset); ok {
		return value, true
	}
	if value, ok := readCapabilityRegion(p.notifyCfgCapData, p.notifyCfgCapOffset, offset); ok {
		return value, true
	}
	if value, ok := readCapabilityRegion(p.isrCfgCapData, p.isrCfgCapOffset, offset); ok {
		return value, true
	}
	if value, ok := readCapabilityRegion(p.deviceCfgCapData, p.deviceCfgCapOffset, offset); ok {
		return value, true
	}
	return 0, false
}

func readCapabilityRegion(data []byte, base uint16, offset uint16) (uint32, bool) {
	if len(data) == 0 || offset < base {
		return 0, false
	}
	rel := offset - base
	if int(rel) >= len(data) {
		return 0, false
	}
	start := int(rel &^ 0x3)
	var value uint32
	for i := 0; i < 4; i++ {
		if start+i >= len(data) {
			break
		}
		value |= uint32(data[start+i]) << (8 * i)
	}
	return value, true
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (p *PCIDevice) ReadMMIO(addr uint64, data []byte) error {
	return p.mmioAccess(addr, data, false)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (p *PCIDevice) WriteMMIO(addr uint64, data []byte) error {
	return p.mmioAccess(addr, data, true)
}

func (p *PCIDevice) mmioAccess(addr uint64, data []byte, write bool) error {
	width := uint32(len(data))
	if width == 0 {
		return nil
	}

	p.tmu.Lock()
	commonAddr, commonLen := p.commonCfgAddr, p.commonCfgLength
	notifyAddr, notifyLen := p.notifyCfgAddr, p.notifyCfgLength
	isrAddr, isrLen := p.isrCfgAddr, p.isrCfgLength
	deviceAddr, deviceLen := p.deviceCfgAddr, p.deviceCfgLength
	msix := p.supportsMSIX
	msixTableAddr, msixTableLen := p.msixTableAddr, p.msixTableLength
	msixPBAAddr, msixPBALen := p.msixPBAAddr, p.msixPBALength
	p.tmu.Unlock()

	switch {
	case regionContains(commonAddr, commonLen, addr, width):
		offset := uint32(addr - commonAddr)
		if write {
			return p.writeCommonBlock(offset, data)
		}
		return p.readCommonBlock(offset, data)

	case regionContains(notifyAddr, notifyLen, addr, width):
		if width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported notify width %d", width)
		}
		if write {
			offset := uint32(addr - notifyAddr)
			p.handleNotifyWrite(offset, uint16(littleEndianValue(data, width)))
		} else {
			storeLittleEndian(data, width, 0)
		}
		return nil

	case regionContains(isrAddr, isrLen, addr, width):
		if width != 1 {
			return fmt.Errorf("virtio-pci: unsupported ISR access width %d", width)
		}
		if !write {
			data[0] = p.dev.readISR()
			p.line.SetLevel(false)
		}
		return nil

	case regionContains(deviceAddr, deviceLen, addr, width):
		if width != 1 && width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported device config width %d", width)
		}
		offset := uint16(addr - deviceAddr)
		if write {
			p.dev.handler.WriteConfig(offset, data)
			p.dev.noteConfigWrite()
		} else {
			for i := range data {
				data[i] = 0
			}
			p.dev.handler.ReadConfig(offset, data)
		}
		return nil

	case msix && regionContains(msixTableAddr, msixTableLen, addr, width):
		p.tmu.Lock()
		defer p.tmu.Unlock()
		if write {
			return p.writeMSIXTable(addr, data)
		}
		return p.readMSIXTable(addr, data)

	case msix && regionContains(msixPBAAddr, msixPBALen, addr, width):
		if write {
			return nil // PBA is read-only
		}
		p.tmu.Lock()
		defer p.tmu.Unlock()
		return p.readMSIXPBA(addr, data)

	default:
		return fmt.Errorf("virtio-pci: unhandled MMIO access addr=%#x width=%d", addr, width)
	}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (p *PCIDevice) MMIORegions() []hv.MMIORegion {
	p.tmu.Lock()
	defer p.tmu.Unlock()

	regions := make([]hv.MMIORegion, 0, 6)
	add := func(base uint64, length uint32) {
		if base == 0 || length == 0 {
			return
		}
		regions = append(regions, hv.MMIORegion{Address: base, Size: uint64(length)})
	}
	add(p.commonCfgAddr, p.commonCfgLength)
	add(p.isrCfgAddr, p.isrCfgLength)
	add(p.notifyCfgAddr, p.notifyCfgLength)
	add(p.deviceCfgAddr, p.deviceCfgLength)
	if p.supportsMSIX {
		add(p.msixTableAddr, p.msixTableLength)
		add(p.msixPBAAddr, p.msixPBALength)
	}
	return regions
}

func (p *PCIDevice) handleNotifyWrite(offset uint32, value uint16) {
	var queueIdx uint16
	if p.notifyOffMultiplier == 0 {
		queueIdx = value
	} else {
		queueIdx = uint16(offset / p.notifyOffMultiplier)
	}
	p.dev.Notify(queueIdx)
}

func (p *PCIDevice) readCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common read at offset %#x (len=%d)", offset, len(data))
		}
		value := p.handleCommonRead(offset)
		storeLittleEndian(data[:width], width, value)
		offset += width
		data = data[width:]
	}
	return nil
}

func (p *PCIDevice) writeCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common write at offset %#x (len=%d)", offset, len(data))
		}
		p.handleCommonWrite(offset, littleEndianValue(data[:width], width))
		offset += width
		data = data[width:]
	}
	return nil
}

func commonFieldWidth(offset uint32) uint32 {
	switch offset {
	case commonDeviceFeatureSel,
		commonDeviceFeature,
		commonDriverFeatureSel,
		commonDriverFeature,
		commonQueueDescLo,
		commonQueueDescHi,
		commonQueueDriverLo,
		commonQueueDriverHi,
		commonQueueDeviceLo,
		commonQueueDeviceHi:
		return 4
	case commonMSIXConfig,
		commonNumQueues,
		commonQueueSelect,
		commonQueueSize,
		commonQueueMSIXVector,
		commonQueueEnable,
		commonQueueNotifyOff:
		return 2
	case commonDeviceStatus, commonConfigGeneration:
		return 1
	}
	return 0
}

func (p *PCIDevice) handleCommonRead(offset uint32) uint32 {
	if offset == commonDeviceStatus {
		return uint32(p.dev.Status())
	}

	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case commonDeviceFeatureSel:
		return d.deviceFeatSel
	case commonDeviceFeature:
		return featureWord(d.features, d.deviceFeatSel)
	case commonDriverFeatureSel:
		return d.driverFeatSel
	case commonDriverFeature:
		return featureWord(d.driverFeatures, d.driverFeatSel)
	case commonMSIXConfig:
		return uint32(d.interrupts.configVector)
	case commonNumQueues:
		return uint32(len(d.queues))
	case commonConfigGeneration:
		return uint32(d.cfgGeneration)
	case commonQueueSelect:
		return uint32(d.queueSel)
	}

	q := d.selectedQueueLocked()
	if q == nil {
		return 0
	}
	switch offset {
	case commonQueueSize:
		if q.size == 0 {
			return uint32(q.maxSize)
		}
		return uint32(q.size)
	case commonQueueMSIXVector:
		return uint32(q.msixVector)
	case commonQueueEnable:
		if q.enable {
			return 1
		}
		return 0
	case commonQueueNotifyOff:
		return uint32(q.notifyOff)
	case commonQueueDescLo:
		return uint32(q.descAddr)
	case commonQueueDescHi:
		return uint32(q.descAddr >> 32)
	case commonQueueDriverLo:
		return uint32(q.availAddr)
	case commonQueueDriverHi:
		return uint32(q.availAddr >> 32)
	case commonQueueDeviceLo:
		return uint32(q.usedAddr)
	case commonQueueDeviceHi:
		return uint32(q.usedAddr >> 32)
	}
	return 0
}

func (p *PCIDevice) handleCommonWrite(offset uint32, value uint32) {
	if offset == commonDeviceStatus {
		p.dev.setStatus(uint8(value))
		return
	}

	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case commonDeviceFeatureSel:
		d.deviceFeatSel = value
		return
	case commonDriverFeatureSel:
		d.driverFeatSel = value
		return
	case commonDriverFeature:
		if d.status&StatusFeaturesOK != 0 {
			d.logger.Warn("driver feature write after FEATURES_OK ignored")
			return
		}
		d.driverFeatures = setFeatureWord(d.driverFeatures, d.driverFeatSel, value)
		return
	case commonMSIXConfig:
		d.interrupts.configVector = p.validVector(uint16(value))
		return
	case commonQueueSelect:
		d.queueSel = uint16(value)
		return
	}

	q := d.selectedQueueLocked()
	if q == nil {
		return
	}

	// MSI-X routing may change at any time; ring geometry is frozen once
	// the driver is live.
	if offset == commonQueueMSIXVector {
		q.msixVector = p.validVector(uint16(value))
		return
	}
	if d.status&StatusDriverOK != 0 && offset != commonQueueEnable {
		d.logger.Warn("queue geometry write on a live device ignored",
			"offset", offset, "queue", d.queueSel)
		return
	}

	switch offset {
	case commonQueueSize:
		if err := q.setSize(uint16(value)); err != nil {
			d.logger.Warn("rejected queue size", "queue", d.queueSel, "error", err)
		}
	case commonQueueEnable:
		q.enable = value&0x1 != 0
		if d.status&StatusDriverOK != 0 {
			q.eventIdx = d.driverFeatures&FeatureRingEventIdx != 0
			q.indirectDesc = d.driverFeatures&FeatureRingIndirectDesc != 0
			q.ready = q.enable && q.size != 0
		}
	case commonQueueDescLo:
		q.descAddr = q.descAddr&^uint64(0xffffffff) | uint64(value)
	case commonQueueDescHi:
		q.descAddr = q.descAddr&0xffffffff | uint64(value)<<32
	case commonQueueDriverLo:
		q.availAddr = q.availAddr&^uint64(0xffffffff) | uint64(value)
	case commonQueueDriverHi:
		q.availAddr = q.availAddr&0xffffffff | uint64(value)<<32
	case commonQueueDeviceLo:
		q.usedAddr = q.usedAddr&^uint64(0xffffffff) | uint64(value)
	case commonQueueDeviceHi:
		q.usedAddr = q.usedAddr&0xffffffff | uint64(value)<<32
	}
}

// validVector clamps an out-of-range MSI-X vector to NO_VECTOR.
func (p *PCIDevice) validVector(vector uint16) uint16 {
	if vector == msixNoVector {
		return vector
	}
	p.tmu.Lock()
	n := len(p.msixEntries)
	p.tmu.Unlock()
	if int(vector) >= n {
		return msixNoVector
	}
	return vector
}

// selectedQueueLocked returns the queue addressed by queue_select, or nil
// when the selector is out of range. Called with d.mu held.
func (d *Device) selectedQueueLocked() *Queue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return &d.queues[d.queueSel]
}

func featureWord(features uint64, sel uint32) uint32 {
	switch sel {
	case 0:
		return uint32(features)
	case 1:
		return uint32(features >> 32)
	default:
		return 0
	}
}

func setFeatureWord(features uint64, sel uint32, value uint32) uint64 {
	switch sel {
	case 0:
		return features&^uint64(0xffffffff) | uint64(value)
	case 1:
		return features&0xffffffff | uint64(value)<<32
	default:
		return features
	}
}

func littleEndianValue(data []byte, width uint32) uint32 {
	switch width {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}

func storeLittleEndian(data []byte, width uint32, value uint32) {
	switch width {
	case 1:
		data[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	default:
		binary.LittleEndian.PutUint32(data, value)
	}
}

// MSI-X table and PBA accessors. Called with tmu held.

func (p *PCIDevice) readMSIXTable(addr uint64, data []byte) error {
	base := p.msixTableAddr
	for i := range data {
		byteOffset := addr - base + uint64(i)
		entryIdx := int(byteOffset / msixEntrySize)
		if entryIdx >= len(p.msixEntries) {
			return fmt.Errorf("virtio-pci: MSI-X table read out of range")
		}
		data[i] = p.msixEntryByte(entryIdx, int(byteOffset%msixEntrySize))
	}
	return nil
}

func (p *PCIDevice) writeMSIXTable(addr uint64, data []byte) error {
	base := p.msixTableAddr
	for i := range data {
		byteOffset := addr - base + uint64(i)
		entryIdx := int(byteOffset / msixEntrySize)
		if entryIdx >= len(p.msixEntries) {
			return fmt.Errorf("virtio-pci: MSI-X table write out of range")
		}
		p.writeMSIXEntryByte(entryIdx, int(byteOffset%msixEntrySize), data[i])
	}
	return nil
}

func (p *PCIDevice) msixEntryByte(entryIdx, entryOffset int) byte {
	entry := p.msixEntries[entryIdx]
	switch {
	case entryOffset < 8:
		return byte(entry.addr >> uint(entryOffset*8))
	case entryOffset < 12:
		return byte(entry.data >> uint((entryOffset-8)*8))
	case entryOffset == 12:
		if entry.masked {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func (p *PCIDevice) writeMSIXEntryByte(entryIdx, entryOffset int, value byte) {
	entry := &p.msixEntries[entryIdx]
	switch {
	case entryOffset < 8:
		shift := uint(entryOffset * 8)
		entry.addr = entry.addr&^(uint64(0xff)<<shift) | uint64(value)<<shift
	case entryOffset < 12:
		shift := uint((entryOffset - 8) * 8)
		entry.data = entry.data&^(uint32(0xff)<<shift) | uint32(value)<<shift
	case entryOffset == 12:
		wasMasked := entry.masked
		entry.masked = value&0x1 != 0
		if wasMasked && !entry.masked {
			p.emitPendingVector(uint16(entryIdx))
		}
	}
}

func (p *PCIDevice) readMSIXPBA(addr uint64, data []byte) error {
	base := p.msixPBAAddr
	for i := range data {
		byteOffset := addr - base + uint64(i)
		wordIdx := int(byteOffset / 8)
		if wordIdx >= len(p.msixPending) {
			return fmt.Errorf("virtio-pci: MSI-X PBA read out of range")
		}
		data[i] = byte(p.msixPending[wordIdx] >> uint(byteOffset%8*8))
	}
	return nil
}

func (p *PCIDevice) msixEnabledLocked() bool {
	return p.supportsMSIX && p.msixControl&msixControlEnableBit != 0
}

// trySignalMSIX delivers a message for vector, or latches it in the PBA
// when the vector or function is masked. Called with tmu held.
func (p *PCIDevice) trySignalMSIX(vector uint16) {
	if !p.msixEnabledLocked() || vector == msixNoVector || int(vector) >= len(p.msixEntries) {
		return
	}
	if p.msixControl&msixControlFunctionBit != 0 || p.msixEntries[vector].masked {
		p.msixPending[vector/64] |= 1 << uint(vector%64)
		return
	}
	entry := p.msixEntries[vector]
	if entry.addr == 0 {
		return
	}
	if err := p.msi.SignalMSI(entry.addr, entry.data); err != nil {
		p.logger.Error("signal MSI-X failed", "vector", vector, "error", err)
		return
	}
	p.msixPending[vector/64] &^= 1 << uint(vector%64)
}

func (p *PCIDevice) emitPendingVector(vector uint16) {
	if int(vector/64) >= len(p.msixPending) {
		return
	}
	if p.msixPending[vector/64]&(1<<uint(vector%64)) == 0 {
		return
	}
	p.trySignalMSIX(vector)
}

func (p *PCIDevice) flushMSIXPending() {
	for wordIdx, bits := range p.msixPending {
		for bit := 0; bits != 0; bit++ {
			mask := uint64(1) << uint(bit)
			if bits&mask == 0 {
				continue
			}
			bits &^= mask
			vector := uint16(wordIdx*64 + bit)
			if int(vector) < len(p.msixEntries) && !p.msixEntries[vector].masked {
				p.emitPendingVector(vector)
			}
		}
	}
}

// SignalQueueInterrupt implements InterruptSink. Called with the device
// lock held.
func (p *PCIDevice) SignalQueueInterrupt(vector uint16) {
	p.signalInterrupt(vector)
}

// SignalConfigInterrupt implements InterruptSink. Called with the device
// lock held.
func (p *PCIDevice) SignalConfigInterrupt(vector uint16) {
	p.signalInterrupt(vector)
}

func (p *PCIDevice) signalInterrupt(vector uint16) {
	p.tmu.Lock()
	msix := p.msixEnabledLocked()
	if msix {
		p.trySignalMSIX(vector)
	}
	p.tmu.Unlock()
	if !msix {
		p.line.SetLevel(true)
	}
}

// ResetFunction returns the whole PCI function, transport registers
// included, to its power-on state. A plain virtio reset (status write of
// zero) leaves the MSI-X table and BARs alone.
func (p *PCIDevice) ResetFunction() {
	p.dev.Reset()

	p.tmu.Lock()
	defer p.tmu.Unlock()
	p.command = 0
	if p.supportsMSIX {
		p.msixControl = uint16(len(p.msixEntries)-1) & msixTableSizeMask
		for i := range p.msixEntries {
			p.msixEntries[i] = msixEntry{masked: true}
		}
		for i := range p.msixPending {
			p.msixPending[i] = 0
		}
	}
	p.line.SetLevel(false)
}
