package virtio

import (
	"sync"
	"sync/atomic"
)

// worker is the single goroutine that drains a device's virtqueues. Kicks
// from the guest land in an atomic pending mask; the goroutine batches them
// so a burst of notifications costs one drain pass.
//
// pause and resume form a synchronous handshake: pause returns only once
// the goroutine is parked between chains, which is what reset and snapshot
// capture rely on. Pauses nest: a machine-wide quiesce and a per-device
// snapshot both park the worker, and it stays parked until every pause has
// been matched by a resume.
type worker struct {
	d *Device

	pending atomic.Uint64
	stopped atomic.Bool

	pauseMu    sync.Mutex
	pauseDepth int

	wakeCh   chan struct{}
	pauseCh  chan chan struct{}
	resumeCh chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
}

func newWorker(d *Device) *worker {
	return &worker{
		d:        d,
		wakeCh:   make(chan struct{}, 1),
		pauseCh:  make(chan chan struct{}),
		resumeCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *worker) start() {
	go w.run()
}

// kick records a guest notification for queue n and wakes the goroutine.
func (w *worker) kick(n int) {
	w.pending.Or(1 << uint(n))
	w.wake()
}

func (w *worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *worker) clearPending() {
	w.pending.Store(0)
}

// pause parks the goroutine and returns once it is parked. No chain is in
// flight after pause returns. An already-parked worker just gains a level
// of nesting.
func (w *worker) pause() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	w.pauseDepth++
	if w.pauseDepth > 1 {
		return
	}
	ack := make(chan struct{})
	select {
	case w.pauseCh <- ack:
		<-ack
	case <-w.done:
	}
}

// resume undoes one pause. The goroutine restarts only when the last
// outstanding pause is matched; unpaired calls are ignored.
func (w *worker) resume() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	if w.pauseDepth == 0 {
		return
	}
	w.pauseDepth--
	if w.pauseDepth > 0 {
		return
	}
	select {
	case w.resumeCh <- struct{}{}:
	case <-w.done:
	}
}

// stop shuts the goroutine down and waits for it. Safe to call more than
// once.
func (w *worker) stop() {
	if !w.stopped.Swap(true) {
		close(w.stopCh)
	}
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wakeCh:
			w.drain()
		case ack := <-w.pauseCh:
			ack <- struct{}{}
			select {
			case <-w.resumeCh:
			case <-w.stopCh:
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

// drain processes every queue with a pending kick until the mask stays
// empty. Pause requests are honored between queues.
func (w *worker) drain() {
	for {
		select {
		case ack := <-w.pauseCh:
			ack <- struct{}{}
			select {
			case <-w.resumeCh:
			case <-w.stopCh:
				return
			}
		case <-w.stopCh:
			return
		default:
		}

		bits := w.pending.Swap(0)
		if bits == 0 {
			return
		}
		for n := 0; bits != 0; n++ {
			if bits&(1<<uint(n)) == 0 {
				continue
			}
			bits &^= 1 << uint(n)
			if !w.d.processable(n) {
				continue
			}
			if err := w.d.drainQueue(n); err != nil {
				w.d.markBroken(err)
			}
		}
	}
}
