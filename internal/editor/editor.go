// Package editor drives the cell editing protocol: lock acquisition,
// buffered and debounced value propagation, keyboard commit and cancel, and
// lock release on every way out of edit mode.
package editor

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/starford/tessera/internal/lock"
	"github.com/starford/tessera/internal/models"
)

// DefaultDebounce is the coalescing interval for value changes.
const DefaultDebounce = 100 * time.Millisecond

// State is the editing state of the active cell.
type State int

const (
	StateIdle State = iota
	StateEditing
	StateCommitting
	StateCancelling
)

func (s State) String() string {
	return [...]string{"idle", "editing", "committing", "cancelling"}[s]
}

// Key is a keyboard key the editor reacts to.
type Key int

const (
	KeyEnter Key = iota
	KeyEscape
)

// Locker grants row locks.
type Locker interface {
	IsLocked(entityID string) bool
	Acquire(entityID, entityType string) *lock.Ticket
}

// CommitFunc durably writes one cell value.
type CommitFunc func(ctx context.Context, rowID, propertyID string, value any) error

// Editor runs the state machine for the one cell being edited.
type Editor struct {
	locks    Locker
	commit   CommitFunc
	preview  func(rowID, propertyID string, value any)
	onDenied func(rowID string, holder models.Lock)
	log      *slog.Logger
	debounce time.Duration

	mu         sync.Mutex
	state      State
	rowID      string
	propertyID string
	snapshot   any
	buffer     any
	previewed  bool
	ticket     *lock.Ticket
	deb        *Debouncer[any]
}

// Option configures an Editor.
type Option func(*Editor)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(e *Editor) { e.debounce = d }
}

// WithPreview registers the sink for debounced in-progress values and for
// reverts.
func WithPreview(fn func(rowID, propertyID string, value any)) Option {
	return func(e *Editor) { e.preview = fn }
}

// WithOnDenied registers a callback for edits aborted by a lock denial.
func WithOnDenied(fn func(rowID string, holder models.Lock)) Option {
	return func(e *Editor) { e.onDenied = fn }
}

// WithLogger sets the editor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Editor) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an idle Editor.
func New(locks Locker, commit CommitFunc, opts ...Option) *Editor {
	e := &Editor{
		locks:    locks,
		commit:   commit,
		log:      slog.Default(),
		debounce: DefaultDebounce,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current state.
func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cell returns the cell being edited, if any.
func (e *Editor) Cell() (rowID, propertyID string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rowID, e.propertyID, e.state != StateIdle
}

// Value returns the buffered value of the active cell.
func (e *Editor) Value() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer
}

// StartEditing enters edit mode for (rowID, propertyID) with current as the
// last known server value. It returns false without acquiring anything
// when the row is locked by another session, and false when the lock is
// refused. A different cell still in edit mode is committed first.
func (e *Editor) StartEditing(ctx context.Context, rowID, propertyID string, current any) (bool, error) {
	e.mu.Lock()
	if e.state == StateEditing && e.rowID == rowID && e.propertyID == propertyID {
		e.mu.Unlock()
		return true, nil
	}
	editing := e.state == StateEditing
	e.mu.Unlock()

	if editing {
		if err := e.StopEditing(ctx, true); err != nil {
			return false, err
		}
	}

	if e.locks.IsLocked(rowID) {
		return false, nil
	}
	ticket := e.locks.Acquire(rowID, string(models.TableRows))
	if !ticket.Granted() {
		return false, nil
	}

	e.mu.Lock()
	if st := e.state; st != StateIdle {
		e.mu.Unlock()
		ticket.Release()
		return false, fmt.Errorf("editor: start editing %s: state %s", rowID, st)
	}
	e.state = StateEditing
	e.rowID, e.propertyID = rowID, propertyID
	e.snapshot, e.buffer = current, current
	e.previewed = false
	e.ticket = ticket
	e.deb = NewDebouncer(e.debounce, func(v any) { e.publish(rowID, propertyID, v) })
	e.mu.Unlock()

	ticket.OnDenied(func(holder models.Lock) { e.denied(ticket, holder) })
	return true, nil
}

// HandleValueChange buffers value for the active cell; the shared preview
// is updated once changes pause for the debounce interval.
func (e *Editor) HandleValueChange(value any) {
	e.mu.Lock()
	if e.state != StateEditing {
		e.mu.Unlock()
		return
	}
	e.buffer = value
	deb := e.deb
	e.mu.Unlock()
	deb.Push(value)
}

// StopEditing leaves edit mode. With save, the buffered value is written
// when it differs from the server value and reverted to the pre-edit
// snapshot if the write fails; without save it is discarded. The lock is
// released either way.
func (e *Editor) StopEditing(ctx context.Context, save bool) error {
	e.mu.Lock()
	if e.state != StateEditing {
		e.mu.Unlock()
		return nil
	}
	rowID, propertyID := e.rowID, e.propertyID
	snapshot, deb := e.snapshot, e.deb
	if save {
		e.state = StateCommitting
	} else {
		e.state = StateCancelling
	}
	e.mu.Unlock()

	var err error
	if save {
		deb.Flush()
		e.mu.Lock()
		value := e.buffer
		e.mu.Unlock()
		if !reflect.DeepEqual(value, snapshot) {
			if err = e.commit(ctx, rowID, propertyID, value); err != nil {
				e.log.Warn("editor: commit failed",
					slog.String("row_id", rowID), slog.String("property_id", propertyID), slog.String("error", err.Error()))
				e.revert(rowID, propertyID, snapshot)
				err = fmt.Errorf("editor: commit %s/%s: %w", rowID, propertyID, err)
			}
		}
	} else {
		deb.Cancel()
		e.revert(rowID, propertyID, snapshot)
	}

	e.finish()
	return err
}

// HandleKey commits on Enter (unless the input is multi-line) and cancels
// on Escape.
func (e *Editor) HandleKey(ctx context.Context, key Key, multiline bool) error {
	switch key {
	case KeyEnter:
		if multiline {
			return nil
		}
		return e.StopEditing(ctx, true)
	case KeyEscape:
		return e.StopEditing(ctx, false)
	}
	return nil
}

// ClickOutside commits the active cell.
func (e *Editor) ClickOutside(ctx context.Context) error {
	return e.StopEditing(ctx, true)
}

// Close tears the editor down, discarding any unsaved value and releasing
// the lock.
func (e *Editor) Close() {
	_ = e.StopEditing(context.Background(), false)
}

func (e *Editor) publish(rowID, propertyID string, v any) {
	e.mu.Lock()
	e.previewed = true
	e.mu.Unlock()
	if e.preview != nil {
		e.preview(rowID, propertyID, v)
	}
}

// revert restores the snapshot in the buffer and in any preview already
// shown.
func (e *Editor) revert(rowID, propertyID string, snapshot any) {
	e.mu.Lock()
	e.buffer = snapshot
	shown := e.previewed
	e.mu.Unlock()
	if shown && e.preview != nil {
		e.preview(rowID, propertyID, snapshot)
	}
}

// finish releases the lock and returns to idle.
func (e *Editor) finish() {
	e.mu.Lock()
	t := e.ticket
	e.ticket = nil
	e.state = StateIdle
	e.rowID, e.propertyID = "", ""
	e.snapshot, e.buffer = nil, nil
	e.deb = nil
	e.mu.Unlock()
	if t != nil {
		t.Release()
	}
}

// denied aborts the edit guarded by t after the backend refused it.
func (e *Editor) denied(t *lock.Ticket, holder models.Lock) {
	e.mu.Lock()
	if e.ticket != t || e.state != StateEditing {
		e.mu.Unlock()
		return
	}
	rowID, propertyID, snapshot, deb := e.rowID, e.propertyID, e.snapshot, e.deb
	e.state = StateCancelling
	e.mu.Unlock()

	deb.Cancel()
	e.revert(rowID, propertyID, snapshot)
	e.finish()
	e.log.Debug("editor: edit aborted by lock denial",
		slog.String("row_id", rowID), slog.String("holder", holder.HolderName))
	if e.onDenied != nil {
		e.onDenied(rowID, holder)
	}
}
