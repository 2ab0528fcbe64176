package chipset

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// Chipset is the built registry of one machine's devices.
type Chipset struct {
	order   []string
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
}

// Start activates all registered devices in registration order.
func (c *Chipset) Start() error {
	for _, name := range c.order {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices, last registered first.
func (c *Chipset) Stop() error {
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.order {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandleMMIO dispatches an MMIO access to the device serving the address.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}
	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// Quiesce pauses every quiesce-capable device concurrently and returns once
// all of them are parked, or when ctx expires. On error the caller must
// still call Resume: devices that finished pausing after the deadline stay
// paused otherwise.
func (c *Chipset) Quiesce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range c.order {
		q, ok := c.devices[name].(Quiescer)
		if !ok {
			continue
		}
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				q.Quiesce()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("chipset: quiesce timed out: %w", ctx.Err())
			}
		})
	}
	return g.Wait()
}

// Resume restarts every quiesce-capable device.
func (c *Chipset) Resume() {
	for _, name := range c.order {
		if q, ok := c.devices[name].(Quiescer); ok {
			q.Resume()
		}
	}
}

// SaveSnapshot writes the state of every snapshot-capable device as a
// sequence of named sections. The caller quiesces the machine first.
func (c *Chipset) SaveSnapshot(w io.Writer) error {
	if err := hv.WriteSnapshotHeader(w, hv.SnapshotHeader{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
	}); err != nil {
		return err
	}

	for _, name := range c.order {
		s, ok := c.devices[name].(Snapshotter)
		if !ok {
			continue
		}
		var section bytes.Buffer
		if err := s.SaveSnapshot(&section); err != nil {
			return fmt.Errorf("chipset: snapshot device %q: %w", name, err)
		}
		if err := writeSection(w, name, section.Bytes()); err != nil {
			return fmt.Errorf("chipset: write section %q: %w", name, err)
		}
	}
	return nil
}

// RestoreSnapshot reads sections from r and hands each to the device it
// names. A section for an unknown device fails the restore; a registered
// snapshotter with no section keeps its current state.
func (c *Chipset) RestoreSnapshot(r io.Reader) error {
	if _, err := hv.ReadSnapshotHeader(r); err != nil {
		return err
	}

	for {
		name, payload, err := readSection(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chipset: read snapshot section: %w", err)
		}
		dev, ok := c.devices[name]
		if !ok {
			return fmt.Errorf("chipset: snapshot names unknown device %q", name)
		}
		s, ok := dev.(Snapshotter)
		if !ok {
			return fmt.Errorf("chipset: device %q cannot restore a snapshot", name)
		}
		if err := s.RestoreSnapshot(bytes.NewReader(payload)); err != nil {
			return fmt.Errorf("chipset: restore device %q: %w", name, err)
		}
	}
}

func writeSection(w io.Writer, name string, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(name)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readSection(r io.Reader) (string, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", nil, fmt.Errorf("truncated section header")
		}
		return "", nil, err
	}
	nameLen := binary.LittleEndian.Uint32(hdr[:])
	if nameLen == 0 || nameLen > 4096 {
		return "", nil, fmt.Errorf("implausible section name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", nil, fmt.Errorf("read section name: %w", err)
	}
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", nil, fmt.Errorf("read section length: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[:])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, fmt.Errorf("read section payload: %w", err)
	}
	return string(name), payload, nil
}
