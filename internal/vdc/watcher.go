package vdc

import "sync/atomic"

// DefaultWatchBuffer is the queue length used when Watch is given a
// non-positive size.
const DefaultWatchBuffer = 64

// Watcher receives PropertyChange values from a Registry.
//
// Changes are delivered in the order they were applied. When the queue is
// full the change is dropped for this watcher only and Dropped increases.
type Watcher struct {
	ch      chan PropertyChange
	reg     *Registry
	dropped atomic.Uint64
	closed  bool // guarded by reg.mu
}

// C returns the channel changes are delivered on. It is closed by Close.
func (w *Watcher) C() <-chan PropertyChange {
	return w.ch
}

// Dropped returns the number of changes lost because the queue was full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Close unregisters the watcher and closes its channel. It is safe to call
// more than once.
func (w *Watcher) Close() {
	w.reg.mu.Lock()
	defer w.reg.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	delete(w.reg.watchers, w)
	close(w.ch)
}

// deliver must be called with reg.mu held.
func (w *Watcher) deliver(c PropertyChange) {
	select {
	case w.ch <- c:
	default:
		w.dropped.Add(1)
	}
}
