package chipset

import (
	"sync"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// InterruptSink receives level changes for numbered interrupt lines. The
// hypervisor backend implements this against its interrupt controller.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}

// LineSet hands out interrupt line handles and de-duplicates level changes
// so the sink sees each transition once, however many devices share a line
// handle.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines map[uint8]*lineState
}

type lineState struct {
	level bool
}

// NewLineSet builds a LineSet forwarding assertions to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
	}
}

// AllocateLine returns a handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) hv.LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	l := h.owner
	l.mu.Lock()
	state := l.lines[h.irq]
	changed := state != nil && state.level != high
	if changed {
		state.level = high
	}
	sink := l.sink
	l.mu.Unlock()
	if changed {
		sink.SetIRQ(h.irq, high)
	}
}

var _ hv.LineInterrupt = (*lineHandle)(nil)
