// Package typing converts raw keystroke events into start/stop typing
// signals with a settle delay.
package typing

import (
	"sync"
	"time"
)

// Debouncer is a two-state machine (idle, typing). The first keystroke
// emits typing=true; each further keystroke resets the settle timer.
// typing=false is emitted once when the settle window elapses with no
// keystrokes, or immediately when the message is sent. Duplicate signals
// within the window are suppressed.
type Debouncer struct {
	settle time.Duration
	notify func(active bool)

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewDebouncer builds a Debouncer with the given settle window. notify is
// invoked exactly once per state transition, outside the internal lock.
func NewDebouncer(settle time.Duration, notify func(active bool)) *Debouncer {
	return &Debouncer{settle: settle, notify: notify}
}

// Keystroke records a keystroke, transitioning to typing if idle and
// resetting the settle timer otherwise.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	started := !d.active
	d.active = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.settle, d.expire)
	d.mu.Unlock()

	if started {
		d.notify(true)
	}
}

// Stop forces an immediate transition to idle, used when the message is
// sent or the room changes. Stopping while already idle does nothing.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	wasActive := d.active
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if wasActive {
		d.notify(false)
	}
}

func (d *Debouncer) expire() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.notify(false)
}
