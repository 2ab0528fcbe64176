package virtio

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// queueRecord is the serialized form of one virtqueue's driver-visible
// state. Guest memory contents travel separately with the memory image;
// only the device-side counters and geometry are captured here.
type queueRecord struct {
	Size   uint16
	Enable bool

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	LastAvailIdx uint16
	UsedIdx      uint16
	UsedEvent    uint16
	AvailEvent   uint16

	NotifyOff  uint16
	MSIXVector uint16
}

// deviceRecord is the serialized negotiation and interrupt state of a
// device, plus the class-specific payload from the handler.
type deviceRecord struct {
	DeviceID uint16

	Status         uint8
	DeviceFeatures uint64
	DriverFeatures uint64
	DeviceFeatSel  uint32
	DriverFeatSel  uint32

	QueueSel      uint16
	CfgGeneration uint8

	ISRStatus    uint8
	ConfigVector uint16

	Queues  []queueRecord
	Payload []byte
}

type msixEntryRecord struct {
	Addr   uint64
	Data   uint32
	Masked bool
}

// transportRecord is the PCI-side state that survives migration: guest
// writable config registers, BAR placement and the MSI-X table.
type transportRecord struct {
	Command       uint16
	InterruptLine uint8

	BARLow  [pciType0BARCount]uint32
	BARHigh [pciType0BARCount]uint32

	MSIXControl uint16
	MSIXEntries []msixEntryRecord
	MSIXPending []uint64
}

type functionRecord struct {
	Device    deviceRecord
	Transport transportRecord
}

// snapshotRecord captures the device state. The worker must be paused
// (Quiesce) and d.mu held.
func (d *Device) snapshotRecordLocked() (deviceRecord, error) {
	payload, err := d.handler.SaveState()
	if err != nil {
		return deviceRecord{}, fmt.Errorf("save device payload: %w", err)
	}
	rec := deviceRecord{
		DeviceID:       d.handler.DeviceID(),
		Status:         d.status,
		DeviceFeatures: d.features,
		DriverFeatures: d.driverFeatures,
		DeviceFeatSel:  d.deviceFeatSel,
		DriverFeatSel:  d.driverFeatSel,
		QueueSel:       d.queueSel,
		CfgGeneration:  d.cfgGeneration,
		ISRStatus:      d.interrupts.isr,
		ConfigVector:   d.interrupts.configVector,
		Queues:         make([]queueRecord, len(d.queues)),
		Payload:        payload,
	}
	for i := range d.queues {
		q := &d.queues[i]
		rec.Queues[i] = queueRecord{
			Size:         q.size,
			Enable:       q.enable,
			DescAddr:     q.descAddr,
			AvailAddr:    q.availAddr,
			UsedAddr:     q.usedAddr,
			LastAvailIdx: q.lastAvailIdx,
			UsedIdx:      q.usedIdx,
			UsedEvent:    q.usedEvent,
			AvailEvent:   q.availEvent,
			NotifyOff:    q.notifyOff,
			MSIXVector:   q.msixVector,
		}
	}
	return rec, nil
}

// validateRecord checks a record against this device's geometry before any
// of it is applied. Restore is all or nothing.
func (d *Device) validateRecordLocked(rec *deviceRecord) error {
	if rec.DeviceID != d.handler.DeviceID() {
		return fmt.Errorf("%w: snapshot is for device type %d, this device is type %d",
			ErrSnapshotGeometry, rec.DeviceID, d.handler.DeviceID())
	}
	if len(rec.Queues) != len(d.queues) {
		return fmt.Errorf("%w: snapshot has %d queues, device has %d",
			ErrSnapshotGeometry, len(rec.Queues), len(d.queues))
	}
	if rec.DriverFeatures&^d.features != 0 {
		return fmt.Errorf("%w: snapshot driver features %#x, device offers %#x",
			ErrFeatureRejected, rec.DriverFeatures, d.features)
	}
	eventIdx := rec.DriverFeatures&FeatureRingEventIdx != 0
	for i := range rec.Queues {
		qr := &rec.Queues[i]
		if qr.Size != 0 && (!isPowerOfTwo(qr.Size) || qr.Size > d.queues[i].maxSize) {
			return fmt.Errorf("%w: queue %d size %d (max %d)",
				ErrSnapshotGeometry, i, qr.Size, d.queues[i].maxSize)
		}
		if qr.Enable && qr.Size == 0 {
			return fmt.Errorf("%w: queue %d enabled with zero size", ErrSnapshotGeometry, i)
		}
		if !eventIdx && (qr.UsedEvent != 0 || qr.AvailEvent != 0) {
			return fmt.Errorf("%w: queue %d carries event indices without VIRTIO_RING_F_EVENT_IDX",
				ErrSnapshotGeometry, i)
		}
	}
	return nil
}

// applyRecordLocked installs a validated record. The handler payload is
// restored first: if the handler refuses it, no device field has been
// touched. A failed re-enable after that parks the device with NEEDS_RESET.
func (d *Device) applyRecordLocked(rec *deviceRecord) error {
	if err := d.handler.RestoreState(rec.Payload); err != nil {
		return fmt.Errorf("restore device payload: %w", err)
	}

	d.storeStatusLocked(rec.Status)
	d.driverFeatures = rec.DriverFeatures
	d.deviceFeatSel = rec.DeviceFeatSel
	d.driverFeatSel = rec.DriverFeatSel
	d.queueSel = rec.QueueSel
	d.cfgGeneration = rec.CfgGeneration
	d.interrupts.isr = rec.ISRStatus
	d.interrupts.configVector = rec.ConfigVector

	for i := range d.queues {
		q := &d.queues[i]
		qr := &rec.Queues[i]
		q.size = qr.Size
		q.enable = qr.Enable
		q.descAddr = qr.DescAddr
		q.availAddr = qr.AvailAddr
		q.usedAddr = qr.UsedAddr
		q.lastAvailIdx = qr.LastAvailIdx
		q.usedIdx = qr.UsedIdx
		q.usedEvent = qr.UsedEvent
		q.availEvent = qr.AvailEvent
		q.notifyOff = qr.NotifyOff
		q.msixVector = qr.MSIXVector
	}
	d.latchFeatures()
	d.worker.clearPending()

	if d.status&StatusDriverOK != 0 {
		if err := d.handler.Enable(d.driverFeatures); err != nil {
			d.storeStatusLocked(d.status | StatusNeedsReset)
			return fmt.Errorf("re-enable restored device: %w", err)
		}
	}
	return nil
}

// SaveSnapshot writes the device state to w. The caller is expected to have
// quiesced the machine; the device's own worker is paused here regardless.
func (d *Device) SaveSnapshot(w io.Writer) error {
	d.worker.pause()
	defer d.worker.resume()

	d.mu.Lock()
	rec, err := d.snapshotRecordLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := hv.WriteSnapshotHeader(w, hv.SnapshotHeader{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
	}); err != nil {
		return err
	}
	return gob.NewEncoder(w).Encode(&rec)
}

// RestoreSnapshot replaces the device state with the one read from r. On a
// validation failure the device is left untouched.
func (d *Device) RestoreSnapshot(r io.Reader) error {
	if _, err := hv.ReadSnapshotHeader(r); err != nil {
		return err
	}
	var rec deviceRecord
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return fmt.Errorf("decode device snapshot: %w", err)
	}

	d.worker.pause()
	defer d.worker.resume()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.validateRecordLocked(&rec); err != nil {
		return err
	}
	return d.applyRecordLocked(&rec)
}

func (p *PCIDevice) transportRecordLocked() transportRecord {
	rec := transportRecord{
		Command:       p.command,
		InterruptLine: p.interruptLine,
		MSIXControl:   p.msixControl,
		MSIXPending:   append([]uint64(nil), p.msixPending...),
	}
	for i := range p.bars {
		rec.BARLow[i] = p.bars[i].rawLow
		rec.BARHigh[i] = p.bars[i].rawHigh
	}
	for _, e := range p.msixEntries {
		rec.MSIXEntries = append(rec.MSIXEntries, msixEntryRecord{
			Addr: e.addr, Data: e.data, Masked: e.masked,
		})
	}
	return rec
}

func (p *PCIDevice) validateTransportRecordLocked(rec *transportRecord) error {
	if p.supportsMSIX {
		if len(rec.MSIXEntries) != len(p.msixEntries) {
			return fmt.Errorf("%w: snapshot has %d MSI-X entries, device has %d",
				ErrSnapshotGeometry, len(rec.MSIXEntries), len(p.msixEntries))
		}
		if len(rec.MSIXPending) != len(p.msixPending) {
			return fmt.Errorf("%w: MSI-X pending array length mismatch", ErrSnapshotGeometry)
		}
	} else if len(rec.MSIXEntries) != 0 {
		return fmt.Errorf("%w: snapshot carries MSI-X state but device has none", ErrSnapshotGeometry)
	}
	return nil
}

func (p *PCIDevice) applyTransportRecordLocked(rec *transportRecord) error {
	p.command = rec.Command
	p.interruptLine = rec.InterruptLine
	for i := range p.bars {
		if p.bars[i].aliasOf >= 0 || p.bars[i].size == 0 {
			continue
		}
		if err := p.reprogramBAR(i, rec.BARLow[i]); err != nil {
			return err
		}
		if p.bars[i].is64 {
			if err := p.reprogramBAR(i+1, rec.BARHigh[i]); err != nil {
				return err
			}
		}
	}
	if p.supportsMSIX {
		p.msixControl = rec.MSIXControl
		for i, e := range rec.MSIXEntries {
			p.msixEntries[i] = msixEntry{addr: e.Addr, data: e.Data, masked: e.Masked}
		}
		copy(p.msixPending, rec.MSIXPending)
	}
	return nil
}

// SaveSnapshot writes the full PCI function state: device negotiation and
// queue counters plus the transport registers.
func (p *PCIDevice) SaveSnapshot(w io.Writer) error {
	p.dev.worker.pause()
	defer p.dev.worker.resume()

	p.dev.mu.Lock()
	devRec, err := p.dev.snapshotRecordLocked()
	p.dev.mu.Unlock()
	if err != nil {
		return err
	}
	p.tmu.Lock()
	rec := functionRecord{Device: devRec, Transport: p.transportRecordLocked()}
	p.tmu.Unlock()

	if err := hv.WriteSnapshotHeader(w, hv.SnapshotHeader{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
	}); err != nil {
		return err
	}
	return gob.NewEncoder(w).Encode(&rec)
}

// RestoreSnapshot replaces the function state with the one read from r.
// Both records are validated, and the handler payload restored, before any
// register is touched; a rejection leaves the function as it was.
func (p *PCIDevice) RestoreSnapshot(r io.Reader) error {
	if _, err := hv.ReadSnapshotHeader(r); err != nil {
		return err
	}
	var rec functionRecord
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return fmt.Errorf("decode pci function snapshot: %w", err)
	}

	p.dev.worker.pause()
	defer p.dev.worker.resume()

	p.dev.mu.Lock()
	err := p.dev.validateRecordLocked(&rec.Device)
	p.dev.mu.Unlock()
	if err != nil {
		return err
	}
	p.tmu.Lock()
	err = p.validateTransportRecordLocked(&rec.Transport)
	p.tmu.Unlock()
	if err != nil {
		return err
	}

	p.dev.mu.Lock()
	err = p.dev.applyRecordLocked(&rec.Device)
	p.dev.mu.Unlock()
	if err != nil {
		return err
	}

	p.tmu.Lock()
	defer p.tmu.Unlock()
	return p.applyTransportRecordLocked(&rec.Transport)
}
