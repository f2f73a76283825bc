package editor

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid updates: fn runs once, delay after the last
// Push, with the last pushed value.
type Debouncer[T any] struct {
	delay time.Duration
	fn    func(T)

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	value   T
}

// NewDebouncer returns a Debouncer calling fn.
func NewDebouncer[T any](delay time.Duration, fn func(T)) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, fn: fn}
}

// Push records v and restarts the delay.
func (d *Debouncer[T]) Push(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value, d.pending = v, true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
		return
	}
	d.timer.Reset(d.delay)
}

// Flush runs fn now with the pending value, if any.
func (d *Debouncer[T]) Flush() {
	d.fire()
}

// Cancel drops the pending value.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	var zero T
	d.value = zero
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	v := d.value
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fn(v)
}
