package virtio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// DeviceHandler is the device-class backend behind the shared transport and
// queue machinery. Implementations provide the class semantics (what the
// chains mean) while the Device owns negotiation, queue processing and
// interrupt delivery.
//
// ProcessChain runs on the device worker goroutine; all other methods are
// called with the device lock held and must not block.
type DeviceHandler interface {
	// DeviceID returns the virtio device type (1 net, 2 block, 4 entropy).
	DeviceID() uint16

	// NumQueues returns the number of virtqueues the device exposes.
	NumQueues() int

	// QueueMaxSize returns the largest depth supported for queue n.
	QueueMaxSize(n int) uint16

	// DeviceFeatures returns the class feature bits offered to the driver.
	// The reserved ring features (VERSION_1, EVENT_IDX, INDIRECT_DESC) are
	// added by the device core.
	DeviceFeatures() uint64

	// ReadConfig and WriteConfig access the device-specific configuration
	// space. Offsets past the end read as zero.
	ReadConfig(offset uint16, data []byte)
	WriteConfig(offset uint16, data []byte)

	// ProcessChain handles one resolved chain and returns the number of
	// bytes written into its writable segments. A returned error parks the
	// device with NEEDS_RESET.
	ProcessChain(q *Queue, c *Chain) (uint32, error)

	// Enable is called when the driver sets DRIVER_OK, with the negotiated
	// feature set.
	Enable(features uint64) error

	// Release is called on device reset and on teardown.
	Release()

	// SaveState and RestoreState carry the class-specific migration
	// payload. Stateless devices return nil.
	SaveState() ([]byte, error)
	RestoreState(data []byte) error
}

// queueCap clamps the advertised queue depth of a handler.
type queueCap struct {
	DeviceHandler
	max uint16
}

// WithQueueCap returns handler with every queue's maximum size clamped to
// max. A zero max leaves the handler unchanged.
func WithQueueCap(handler DeviceHandler, max uint16) DeviceHandler {
	if max == 0 {
		return handler
	}
	return &queueCap{DeviceHandler: handler, max: max}
}

func (c *queueCap) QueueMaxSize(n int) uint16 {
	size := c.DeviceHandler.QueueMaxSize(n)
	if size > c.max {
		return c.max
	}
	return size
}

// Device is the transport-independent half of a virtio device: feature
// negotiation, the status state machine, queue configuration and the worker
// that drains kicks. The PCI transport layers register access on top.
type Device struct {
	mu sync.Mutex

	handler DeviceHandler
	mem     hv.GuestMemory
	logger  *slog.Logger

	features uint64 // offered, including reserved ring bits

	status          uint8
	statusShadow    atomic.Uint32 // mirrors status for lock-free reads
	deviceFeatSel   uint32
	driverFeatSel   uint32
	driverFeatures  uint64
	queueSel        uint16
	cfgGeneration   uint8
	queues          []Queue
	interrupts      interruptState
	chainsProcessed metrics.Counter
	chainErrors     metrics.Counter
	interruptsSent  metrics.Counter

	worker *worker
}

// NewDevice builds a device around a handler. The worker goroutine starts
// immediately and idles until the driver sets DRIVER_OK.
func NewDevice(handler DeviceHandler, mem hv.GuestMemory, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	name := deviceName(handler.DeviceID())
	d := &Device{
		handler:         handler,
		mem:             mem,
		logger:          logger.With("device", name),
		features:        handler.DeviceFeatures() | FeatureVersion1 | FeatureRingEventIdx | FeatureRingIndirectDesc,
		queues:          make([]Queue, handler.NumQueues()),
		chainsProcessed: metrics.GetOrRegisterCounter("virtio."+name+".chains", nil),
		chainErrors:     metrics.GetOrRegisterCounter("virtio."+name+".chain_errors", nil),
		interruptsSent:  metrics.GetOrRegisterCounter("virtio."+name+".interrupts", nil),
	}
	for i := range d.queues {
		d.queues[i] = newQueue(mem, handler.QueueMaxSize(i))
		d.queues[i].notifyOff = uint16(i)
		d.queues[i].msixVector = msixNoVector
	}
	d.interrupts.init(len(d.queues))
	d.worker = newWorker(d)
	d.worker.start()
	return d
}

func deviceName(id uint16) string {
	switch id {
	case DeviceIDNet:
		return "net"
	case DeviceIDBlock:
		return "block"
	case DeviceIDConsole:
		return "console"
	case DeviceIDEntropy:
		return "rng"
	default:
		return fmt.Sprintf("dev%d", id)
	}
}

// Status returns the current device status byte. It does not take the
// device lock, so the transport can read it from any locking context.
func (d *Device) Status() uint8 {
	return uint8(d.statusShadow.Load())
}

// storeStatusLocked updates the status register and its shadow. The caller
// holds d.mu.
func (d *Device) storeStatusLocked(value uint8) {
	d.status = value
	d.statusShadow.Store(uint32(value))
}

// QueueMaxSize returns the largest depth supported for queue n, or zero
// for an unknown queue index.
func (d *Device) QueueMaxSize(n int) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.queues) {
		return 0
	}
	return d.queues[n].maxSize
}

// setStatus applies a driver write to the status register. Writing zero, or
// clearing any previously set bit, resets the device.
func (d *Device) setStatus(value uint8) {
	d.mu.Lock()
	prev := d.status
	needReset := value == 0 || prev&^value&^uint8(StatusNeedsReset) != 0
	d.mu.Unlock()

	if needReset {
		if value != 0 {
			d.logger.Warn("driver cleared status bits, resetting device",
				"old", prev, "new", value)
		}
		d.Reset()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	added := value &^ d.status

	if added&StatusFeaturesOK != 0 {
		if d.driverFeatures&^d.features != 0 {
			d.logger.Warn("driver accepted unoffered features",
				"offered", fmt.Sprintf("%#x", d.features),
				"accepted", fmt.Sprintf("%#x", d.driverFeatures))
			d.storeStatusLocked(d.status | StatusFailed)
			return
		}
		if d.driverFeatures&FeatureVersion1 == 0 {
			d.logger.Warn("driver did not accept VIRTIO_F_VERSION_1")
			d.storeStatusLocked(d.status | StatusFailed)
			return
		}
	}

	d.storeStatusLocked(value)

	if added&StatusDriverOK != 0 {
		d.latchFeatures()
		if err := d.handler.Enable(d.driverFeatures); err != nil {
			d.logger.Error("device enable failed", "error", err)
			d.storeStatusLocked(d.status | StatusNeedsReset)
			d.interrupts.raiseConfig()
			d.deliverInterruptsLocked()
			return
		}
		d.logger.Info("device driver ready",
			"features", fmt.Sprintf("%#x", d.driverFeatures))
		d.worker.wake()
	}
}

// latchFeatures snapshots the negotiated ring features into each queue.
// Called with d.mu held.
func (d *Device) latchFeatures() {
	eventIdx := d.driverFeatures&FeatureRingEventIdx != 0
	indirect := d.driverFeatures&FeatureRingIndirectDesc != 0
	for i := range d.queues {
		d.queues[i].eventIdx = eventIdx
		d.queues[i].indirectDesc = indirect
		d.queues[i].ready = d.queues[i].enable && d.queues[i].size != 0
	}
}

// Reset returns the device to its post-creation state. The worker is paused
// first so no chain is in flight while registers are cleared.
func (d *Device) Reset() {
	d.worker.pause()
	defer d.worker.resume()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handler.Release()

	d.storeStatusLocked(0)
	d.deviceFeatSel = 0
	d.driverFeatSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	for i := range d.queues {
		d.queues[i].reset()
		d.queues[i].msixVector = msixNoVector
	}
	d.interrupts.reset()
	d.worker.clearPending()
	d.logger.Debug("device reset")
}

// markBroken parks the device after a fatal queue error. The driver is told
// through NEEDS_RESET plus a configuration-change interrupt.
func (d *Device) markBroken(err error) {
	d.mu.Lock()
	d.storeStatusLocked(d.status | StatusNeedsReset)
	d.interrupts.raiseConfig()
	d.mu.Unlock()
	d.chainErrors.Inc(1)
	d.logger.Error("device parked", "error", err)
	d.deliverInterrupts()
}

// ConfigChanged signals a host-side device-config change to the driver:
// config_generation is bumped and a configuration-change interrupt fires.
// Device backends call this when they mutate their config space.
func (d *Device) ConfigChanged() {
	d.mu.Lock()
	d.cfgGeneration++
	d.interrupts.raiseConfig()
	d.mu.Unlock()
	d.deliverInterrupts()
}

// noteConfigWrite bumps config_generation after the driver writes the
// device-specific config region. No interrupt: the driver made the change.
func (d *Device) noteConfigWrite() {
	d.mu.Lock()
	d.cfgGeneration++
	d.mu.Unlock()
}

// Notify records a driver kick for queue n and wakes the worker. Unknown
// queue indices are ignored.
func (d *Device) Notify(n uint16) {
	if int(n) >= len(d.queues) {
		d.logger.Debug("notify for unknown queue", "queue", n)
		return
	}
	d.worker.kick(int(n))
}

// processable reports whether queue n may be drained right now.
func (d *Device) processable(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status&StatusDriverOK == 0 || d.status&(StatusNeedsReset|StatusFailed) != 0 {
		return false
	}
	return n < len(d.queues) && d.queues[n].ready
}

// drainQueue processes every available chain on queue n, re-enabling driver
// notifications and double-checking for late arrivals before returning.
// Runs on the worker goroutine; d.mu is never held across guest memory
// access.
func (d *Device) drainQueue(n int) error {
	q := &d.queues[n]
	if err := q.DisableNotification(); err != nil {
		return err
	}
	for {
		for {
			chain, err := q.PopAvail()
			if err != nil {
				return err
			}
			if chain == nil {
				break
			}
			written, err := d.handler.ProcessChain(q, chain)
			if err != nil {
				return fmt.Errorf("process chain %d: %w", chain.Head, err)
			}
			if err := q.PushUsed(chain.Head, written); err != nil {
				return err
			}
			d.chainsProcessed.Inc(1)

			need, err := q.NeedsInterrupt()
			if err != nil {
				return err
			}
			if need {
				d.mu.Lock()
				d.interrupts.raiseQueue(n)
				d.mu.Unlock()
				d.deliverInterrupts()
			}
		}
		more, err := q.EnableNotification()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		if err := q.DisableNotification(); err != nil {
			return err
		}
	}
}

// Quiesce pauses the worker so no chain is in flight. Used before snapshot
// capture. Resume undoes it.
func (d *Device) Quiesce() { d.worker.pause() }

// Resume restarts queue processing after Quiesce.
func (d *Device) Resume() { d.worker.resume() }

// Close stops the worker and releases the handler.
func (d *Device) Close() error {
	d.worker.stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler.Release()
	return nil
}

// deliverInterrupts flushes raised interrupt conditions to the guest using
// the transport sink configured by the PCI layer.
func (d *Device) deliverInterrupts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverInterruptsLocked()
}
