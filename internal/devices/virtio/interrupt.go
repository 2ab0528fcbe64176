package virtio

// msixNoVector is the register value for "no MSI-X vector assigned".
const msixNoVector uint16 = 0xffff

// InterruptSink is how the device core hands interrupt causes to the
// transport. The transport decides the delivery mechanism: an MSI-X message
// for the given vector, or a level-triggered legacy line when MSI-X is off.
// Methods are called with the device lock held and must not call back into
// the device.
type InterruptSink interface {
	SignalQueueInterrupt(vector uint16)
	SignalConfigInterrupt(vector uint16)
}

// interruptState tracks interrupt conditions raised by queue processing and
// configuration changes until they are flushed to the transport sink, plus
// the sticky ISR byte the legacy path exposes.
type interruptState struct {
	queueBits    uint64
	configRaised bool

	isr          uint8
	configVector uint16

	sink InterruptSink
}

func (s *interruptState) init(numQueues int) {
	if numQueues > 64 {
		panic("virtio: more than 64 queues is unsupported")
	}
	s.configVector = msixNoVector
}

func (s *interruptState) reset() {
	s.queueBits = 0
	s.configRaised = false
	s.isr = 0
	s.configVector = msixNoVector
}

func (s *interruptState) raiseQueue(n int) {
	s.queueBits |= 1 << uint(n)
}

func (s *interruptState) raiseConfig() {
	s.configRaised = true
}

// deliverInterruptsLocked flushes all raised conditions. ISR bits are set
// before the sink fires so a driver reacting to the interrupt observes them.
// Called with d.mu held.
func (d *Device) deliverInterruptsLocked() {
	s := &d.interrupts
	if s.sink == nil {
		return
	}
	if s.queueBits != 0 {
		s.isr |= isrQueueBit
		for n := range d.queues {
			if s.queueBits&(1<<uint(n)) != 0 {
				s.sink.SignalQueueInterrupt(d.queues[n].msixVector)
				d.interruptsSent.Inc(1)
			}
		}
		s.queueBits = 0
	}
	if s.configRaised {
		s.isr |= isrConfigBit
		s.sink.SignalConfigInterrupt(s.configVector)
		d.interruptsSent.Inc(1)
		s.configRaised = false
	}
}

// setInterruptSink wires the transport delivery path. Replacing the sink of
// a live device is not supported.
func (d *Device) setInterruptSink(sink InterruptSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupts.sink = sink
}

// readISR returns the sticky interrupt-status byte and clears it. Reading
// it is the legacy driver's acknowledgment.
func (d *Device) readISR() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.interrupts.isr
	d.interrupts.isr = 0
	return v
}
