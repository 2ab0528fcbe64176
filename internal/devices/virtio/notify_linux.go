//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Doorbell bridges an eventfd to a queue notification, so a hypervisor
// backend can register the descriptor as an ioeventfd on the queue's notify
// address and kick the device without a vCPU exit round trip through MMIO
// dispatch.
type Doorbell struct {
	fd     int
	dev    *Device
	queue  uint16
	closed atomic.Bool
	done   chan struct{}
}

// NewDoorbell creates an eventfd-backed kick path for queue n of dev and
// starts serving it.
func NewDoorbell(dev *Device, queue uint16) (*Doorbell, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	b := &Doorbell{
		fd:    fd,
		dev:   dev,
		queue: queue,
		done:  make(chan struct{}),
	}
	go b.serve()
	return b, nil
}

// FD returns the eventfd to hand to the hypervisor backend.
func (b *Doorbell) FD() int { return b.fd }

func (b *Doorbell) serve() {
	defer close(b.done)
	defer unix.Close(b.fd)
	var buf [8]byte
	for {
		n, err := unix.Read(b.fd, buf[:])
		if b.closed.Load() {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n != len(buf) {
			b.dev.logger.Error("doorbell read failed", "queue", b.queue, "error", err)
			return
		}
		if binary.LittleEndian.Uint64(buf[:]) != 0 {
			b.dev.Notify(b.queue)
		}
	}
}

// Close stops the doorbell. The eventfd is closed by the serving goroutine
// once it has observed the shutdown.
func (b *Doorbell) Close() error {
	if b.closed.Swap(true) {
		<-b.done
		return nil
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(b.fd, one[:]); err != nil {
		return fmt.Errorf("wake doorbell for shutdown: %w", err)
	}
	<-b.done
	return nil
}
