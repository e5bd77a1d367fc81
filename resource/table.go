package resource

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

var (
	ErrClosed = errors.New("resource table closed")
	ErrFull   = errors.New("resource table full")
)

// DefaultLimit bounds the live handles of one table.
const DefaultLimit = 1 << 16

type entry struct {
	value any
	kind  Kind
}

// Table maps handles to host values for one store. Removing a value that
// implements io.Closer closes it. Safe for concurrent use.
type Table struct {
	entries   []entry
	free      []Handle
	observers []Observer
	live      int
	limit     int
	mu        sync.Mutex
	closed    bool
}

// NewTable creates a table holding at most limit live handles.
// A non-positive limit selects DefaultLimit.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table{limit: limit}
}

// Insert adds a value and returns its handle.
func (t *Table) Insert(kind Kind, value any) (Handle, error) {
	if kind == KindInvalid {
		return 0, fmt.Errorf("insert %T: invalid kind", value)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.live >= t.limit {
		t.mu.Unlock()
		return 0, ErrFull
	}

	e := entry{kind: kind, value: value}
	var h Handle
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[h-1] = e
	} else {
		t.entries = append(t.entries, e)
		h = Handle(len(t.entries))
	}
	t.live++
	observers := t.observers
	t.mu.Unlock()

	notify(observers, Event{Type: EventCreated, Handle: h, Kind: kind, Value: value})
	return h, nil
}

// Get retrieves a value by handle.
func (t *Table) Get(h Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lookupLocked(h)
	return e.value, ok
}

// GetKind retrieves a value only if it has the expected kind.
func (t *Table) GetKind(h Handle, kind Kind) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lookupLocked(h)
	if !ok || e.kind != kind {
		return nil, false
	}
	return e.value, true
}

// Remove drops a resource and returns its value. The value is closed if it
// implements io.Closer; a close error is returned alongside.
func (t *Table) Remove(h Handle) (any, error) {
	t.mu.Lock()
	e, ok := t.lookupLocked(h)
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("handle %d: %w", h, errUnknownHandle)
	}
	t.entries[h-1] = entry{}
	t.free = append(t.free, h)
	t.live--
	observers := t.observers
	t.mu.Unlock()

	notify(observers, Event{Type: EventDropped, Handle: h, Kind: e.kind, Value: e.value})
	return e.value, closeValue(e.value)
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(append([]Observer(nil), t.observers...), o)
}

// Len returns the number of live resources.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Close drops every live resource and rejects further inserts. Close errors
// of individual values are combined.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := t.entries
	observers := t.observers
	t.entries, t.free, t.live = nil, nil, 0
	t.mu.Unlock()

	var err error
	for i, e := range entries {
		if e.kind == KindInvalid {
			continue
		}
		notify(observers, Event{Type: EventDropped, Handle: Handle(i + 1), Kind: e.kind, Value: e.value})
		err = multierr.Append(err, closeValue(e.value))
	}
	return err
}

var errUnknownHandle = errors.New("unknown resource handle")

func (t *Table) lookupLocked(h Handle) (entry, bool) {
	if h == 0 || int(h) > len(t.entries) {
		return entry{}, false
	}
	e := t.entries[h-1]
	return e, e.kind != KindInvalid
}

func closeValue(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func notify(observers []Observer, e Event) {
	for _, o := range observers {
		o.OnResourceEvent(e)
	}
}

// Typed is a view of a table restricted to one kind and Go type.
type Typed[T any] struct {
	table *Table
	kind  Kind
}

// NewTyped returns a typed view over t.
func NewTyped[T any](t *Table, kind Kind) Typed[T] {
	return Typed[T]{table: t, kind: kind}
}

// Insert adds a value and returns its handle.
func (v Typed[T]) Insert(value T) (Handle, error) {
	return v.table.Insert(v.kind, value)
}

// Get retrieves a value by handle.
func (v Typed[T]) Get(h Handle) (T, bool) {
	var zero T
	raw, ok := v.table.GetKind(h, v.kind)
	if !ok {
		return zero, false
	}
	val, ok := raw.(T)
	return val, ok
}

// Remove drops the handle if it has this view's kind.
func (v Typed[T]) Remove(h Handle) (T, error) {
	var zero T
	if _, ok := v.Get(h); !ok {
		return zero, fmt.Errorf("handle %d is not a %s: %w", h, v.kind, errUnknownHandle)
	}
	raw, err := v.table.Remove(h)
	val, _ := raw.(T)
	return val, err
}
