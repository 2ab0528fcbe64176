package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// Segment is one guest-physical buffer of a resolved descriptor chain.
type Segment struct {
	Addr uint64
	Len  uint32
}

// Chain is a resolved descriptor chain: the readable (guest-to-device)
// segments followed by the writable (device-to-guest) segments, in ring
// order. Head is the index pushed back to the used ring when the chain
// completes.
type Chain struct {
	Head     uint16
	Readable []Segment
	Writable []Segment
}

// ReadableLen returns the total byte length of the readable segments.
func (c *Chain) ReadableLen() int {
	n := 0
	for _, s := range c.Readable {
		n += int(s.Len)
	}
	return n
}

// WritableLen returns the total byte length of the writable segments.
func (c *Chain) WritableLen() int {
	n := 0
	for _, s := range c.Writable {
		n += int(s.Len)
	}
	return n
}

// Queue interprets one split virtqueue: a descriptor table, an available
// ring and a used ring in guest memory. All guest accesses go through the
// GuestMemory accessor; the queue never touches process memory directly.
//
// A queue has exactly one consumer (the device worker). The transport
// configures geometry before ready is set and must not mutate it afterwards
// except through reset.
type Queue struct {
	mem hv.GuestMemory

	size    uint16
	maxSize uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	// Shadow indices for event-idx interrupt suppression. usedEvent
	// mirrors the guest's suppression point at the last signal decision;
	// availEvent is the value last published to the guest.
	usedEvent  uint16
	availEvent uint16

	// Negotiated ring features, latched at DRIVER_OK.
	eventIdx     bool
	indirectDesc bool

	notifyOff  uint16
	msixVector uint16
	enable     bool
}

func newQueue(mem hv.GuestMemory, maxSize uint16) Queue {
	return Queue{mem: mem, maxSize: maxSize}
}

func (q *Queue) reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.usedEvent = 0
	q.availEvent = 0
	q.eventIdx = false
	q.indirectDesc = false
	q.enable = false
}

// Size returns the negotiated queue depth.
func (q *Queue) Size() uint16 { return q.size }

// MaxSize returns the largest depth the device advertises for this queue.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// Ready reports whether the queue may be processed.
func (q *Queue) Ready() bool { return q.ready }

func (q *Queue) setSize(size uint16) error {
	if size > q.maxSize {
		return fmt.Errorf("queue size %d exceeds max %d", size, q.maxSize)
	}
	if !isPowerOfTwo(size) {
		return fmt.Errorf("queue size %d is not a power of two", size)
	}
	q.size = size
	return nil
}

func (q *Queue) checkReady() error {
	if q == nil || !q.ready || q.size == 0 {
		return ErrQueueNotReady
	}
	if q.descAddr == 0 || q.availAddr == 0 || q.usedAddr == 0 {
		return fmt.Errorf("%w: ring addresses not configured", ErrQueueNotReady)
	}
	return nil
}

// PopAvail resolves the next available descriptor chain. It returns
// (nil, nil) when the driver has published nothing new. The available index
// advances only after the chain resolved cleanly, so a malformed head is
// observed again (and the device parked) rather than silently skipped.
func (q *Queue) PopAvail() (*Chain, error) {
	if err := q.checkReady(); err != nil {
		return nil, err
	}

	availIdx, err := q.readAvailIdx()
	if err != nil {
		return nil, err
	}
	if q.lastAvailIdx == availIdx {
		return nil, nil
	}

	head, err := q.readAvailEntry(q.lastAvailIdx % q.size)
	if err != nil {
		return nil, err
	}

	chain, err := q.resolveChain(head)
	if err != nil {
		return nil, err
	}

	q.lastAvailIdx++
	if q.eventIdx {
		// Keep the driver kicking only past the point we have consumed.
		if err := q.writeAvailEvent(q.lastAvailIdx); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// resolveChain walks the descriptor table starting at head. The walk is
// bounded by the queue size, switches to an indirect table at most once and
// validates every descriptor before its buffer is ever dereferenced.
func (q *Queue) resolveChain(head uint16) (*Chain, error) {
	chain := &Chain{Head: head}

	table := q.descAddr
	tableLen := q.size
	indirect := false

	idx := head
	count := uint16(0)
	for {
		if idx >= tableLen {
			return nil, fmt.Errorf("%w: descriptor index %d outside table of %d", ErrMalformedChain, idx, tableLen)
		}

		desc, err := q.readDescriptor(table, idx)
		if err != nil {
			return nil, err
		}

		if desc.Flags&virtqDescFIndirect != 0 {
			if indirect {
				return nil, fmt.Errorf("%w: nested indirect descriptor", ErrMalformedChain)
			}
			if !q.indirectDesc {
				return nil, fmt.Errorf("%w: indirect descriptor without negotiation", ErrMalformedChain)
			}
			if desc.Len == 0 || desc.Len%descriptorSize != 0 {
				return nil, fmt.Errorf("%w: indirect table length %d", ErrMalformedChain, desc.Len)
			}
			if _, err := hv.GuestOffset(desc.Addr, int(desc.Len)); err != nil {
				return nil, fmt.Errorf("%w: indirect table at %#x: %v", ErrMalformedChain, desc.Addr, err)
			}
			table = desc.Addr
			tableLen = uint16(desc.Len / descriptorSize)
			indirect = true
			idx = 0
			continue
		}

		if _, err := hv.GuestOffset(desc.Addr, int(desc.Len)); err != nil {
			return nil, fmt.Errorf("%w: descriptor %d at %#x+%d: %v", ErrMalformedChain, idx, desc.Addr, desc.Len, err)
		}

		seg := Segment{Addr: desc.Addr, Len: desc.Len}
		if desc.Flags&virtqDescFWrite != 0 {
			chain.Writable = append(chain.Writable, seg)
		} else {
			chain.Readable = append(chain.Readable, seg)
		}

		count++
		if count > q.size {
			return nil, fmt.Errorf("%w: chain longer than queue size %d", ErrMalformedChain, q.size)
		}

		if desc.Flags&virtqDescFNext == 0 {
			return chain, nil
		}
		idx = desc.Next
	}
}

// PushUsed publishes a completed chain to the used ring. The element is
// written before the index so the guest, which polls the index, never
// observes an index covering an unwritten element.
func (q *Queue) PushUsed(head uint16, written uint32) error {
	if err := q.checkReady(); err != nil {
		return err
	}

	slot := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(slot)*8
	if err := q.writeUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeUint32(base+4, written); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeUint16(q.usedAddr+2, q.usedIdx)
}

// NeedsInterrupt decides whether the used entries published since the last
// positive decision warrant a guest notification. With event-idx negotiated
// the crossing test accounts for 16-bit wraparound; otherwise the ring-level
// no-interrupt flag is honored.
func (q *Queue) NeedsInterrupt() (bool, error) {
	if err := q.checkReady(); err != nil {
		return false, err
	}

	if !q.eventIdx {
		flags, err := q.readUint16(q.availAddr)
		if err != nil {
			return false, err
		}
		return flags&virtqAvailFNoInterrupt == 0, nil
	}

	usedEvent, err := q.readUsedEvent()
	if err != nil {
		return false, err
	}
	old := q.usedEvent
	q.usedEvent = q.usedIdx
	return ringNeedsEvent(usedEvent, q.usedIdx, old), nil
}

// ringNeedsEvent reports whether the interval (old, new] crossed event,
// modulo 2^16. This is the vring_need_event test from the virtio spec.
func ringNeedsEvent(event, new, old uint16) bool {
	return new-event-1 < new-old
}

// EnableNotification asks the driver to kick again and reports whether new
// buffers arrived while notifications were off (the caller must drain again
// if so, or the kick is lost).
func (q *Queue) EnableNotification() (bool, error) {
	if err := q.checkReady(); err != nil {
		return false, err
	}

	if q.eventIdx {
		if err := q.writeAvailEvent(q.lastAvailIdx); err != nil {
			return false, err
		}
	} else {
		if err := q.setUsedFlag(false); err != nil {
			return false, err
		}
	}

	availIdx, err := q.readAvailIdx()
	if err != nil {
		return false, err
	}
	return availIdx != q.lastAvailIdx, nil
}

// DisableNotification tells the driver kicks are unnecessary while the
// device is already draining. With event-idx there is nothing to do: the
// avail-event value published by PopAvail already suppresses redundant
// kicks.
func (q *Queue) DisableNotification() error {
	if err := q.checkReady(); err != nil {
		return err
	}
	if q.eventIdx {
		return nil
	}
	return q.setUsedFlag(true)
}

func (q *Queue) setUsedFlag(noNotify bool) error {
	flags, err := q.readUint16(q.usedAddr)
	if err != nil {
		return err
	}
	if noNotify {
		flags |= virtqUsedFNoNotify
	} else {
		flags &^= virtqUsedFNoNotify
	}
	return q.writeUint16(q.usedAddr, flags)
}

// ReadChain gathers all readable segments of a chain into one buffer.
func (q *Queue) ReadChain(c *Chain) ([]byte, error) {
	data := make([]byte, 0, c.ReadableLen())
	for _, seg := range c.Readable {
		buf := make([]byte, seg.Len)
		if err := q.readGuest(seg.Addr, buf); err != nil {
			return nil, err
		}
		data = append(data, buf...)
	}
	return data, nil
}

// WriteChain scatters data across the writable segments of a chain and
// returns the number of bytes written.
func (q *Queue) WriteChain(c *Chain, data []byte) (uint32, error) {
	written := uint32(0)
	for _, seg := range c.Writable {
		if len(data) == 0 {
			break
		}
		n := int(seg.Len)
		if n > len(data) {
			n = len(data)
		}
		if err := q.writeGuest(seg.Addr, data[:n]); err != nil {
			return written, err
		}
		written += uint32(n)
		data = data[n:]
	}
	return written, nil
}

// Descriptor is one entry of a descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (q *Queue) readDescriptor(table uint64, idx uint16) (Descriptor, error) {
	var buf [descriptorSize]byte
	if err := q.readGuest(table+uint64(idx)*descriptorSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) readAvailIdx() (uint16, error) {
	return q.readUint16(q.availAddr + 2)
}

func (q *Queue) readAvailEntry(slot uint16) (uint16, error) {
	return q.readUint16(q.availAddr + 4 + uint64(slot)*2)
}

// readUsedEvent reads the driver's suppression point, stored after the
// available ring entries.
func (q *Queue) readUsedEvent() (uint16, error) {
	return q.readUint16(q.availAddr + 4 + uint64(q.size)*2)
}

// writeAvailEvent publishes the device's suppression point, stored after
// the used ring entries.
func (q *Queue) writeAvailEvent(value uint16) error {
	q.availEvent = value
	return q.writeUint16(q.usedAddr+4+uint64(q.size)*8, value)
}

func (q *Queue) readGuest(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := hv.GuestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("read guest memory at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short guest memory read at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *Queue) writeGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := hv.GuestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("write guest memory at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("short guest memory write at %#x (want %d, got %d)", addr, len(data), n)
	}
	return nil
}

func (q *Queue) readUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readGuest(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuest(addr, buf[:])
}

func (q *Queue) writeUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.writeGuest(addr, buf[:])
}
