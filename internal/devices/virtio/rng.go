package virtio

import (
	"crypto/rand"
	"fmt"
	"io"
)

const entropyQueueSize = 256

// EntropyDevice is a virtio-rng backend: every writable buffer the driver
// posts on its single request queue is filled from the entropy source.
type EntropyDevice struct {
	src io.Reader
}

// NewEntropyDevice builds an entropy backend reading from src. A nil src
// uses the host's CSPRNG.
func NewEntropyDevice(src io.Reader) *EntropyDevice {
	if src == nil {
		src = rand.Reader
	}
	return &EntropyDevice{src: src}
}

func (e *EntropyDevice) DeviceID() uint16          { return DeviceIDEntropy }
func (e *EntropyDevice) NumQueues() int            { return 1 }
func (e *EntropyDevice) QueueMaxSize(n int) uint16 { return entropyQueueSize }
func (e *EntropyDevice) DeviceFeatures() uint64    { return 0 }

// ReadConfig and WriteConfig are no-ops: virtio-rng has no device config
// space.
func (e *EntropyDevice) ReadConfig(offset uint16, data []byte)  {}
func (e *EntropyDevice) WriteConfig(offset uint16, data []byte) {}

func (e *EntropyDevice) ProcessChain(q *Queue, c *Chain) (uint32, error) {
	want := c.WritableLen()
	if want == 0 {
		return 0, nil
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(e.src, buf); err != nil {
		return 0, fmt.Errorf("read entropy source: %w", err)
	}
	return q.WriteChain(c, buf)
}

func (e *EntropyDevice) Enable(features uint64) error { return nil }
func (e *EntropyDevice) Release()                     {}

func (e *EntropyDevice) SaveState() ([]byte, error) { return nil, nil }
func (e *EntropyDevice) RestoreState(data []byte) error { return nil }
