// Package undo keeps a bounded stack of applied edit batches.
package undo

// Log is a LIFO of at most depth entries. Pushing onto a full log drops the
// oldest entry. Entries are stored by value.
type Log[T any] struct {
	depth   int
	entries []T
}

// New creates a log holding up to depth entries (at least one).
func New[T any](depth int) *Log[T] {
	if depth < 1 {
		depth = 1
	}
	return &Log[T]{depth: depth}
}

// Push records e as the most recent entry.
func (l *Log[T]) Push(e T) {
	if len(l.entries) == l.depth {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
}

// Pop removes and returns the most recent entry.
func (l *Log[T]) Pop() (T, bool) {
	var zero T
	if len(l.entries) == 0 {
		return zero, false
	}
	e := l.entries[len(l.entries)-1]
	l.entries[len(l.entries)-1] = zero
	l.entries = l.entries[:len(l.entries)-1]
	return e, true
}

// Peek returns the most recent entry without removing it.
func (l *Log[T]) Peek() (T, bool) {
	var zero T
	if len(l.entries) == 0 {
		return zero, false
	}
	return l.entries[len(l.entries)-1], true
}

// Len returns the number of entries.
func (l *Log[T]) Len() int { return len(l.entries) }

// Depth returns the maximum number of entries.
func (l *Log[T]) Depth() int { return l.depth }

// Clear drops every entry.
func (l *Log[T]) Clear() {
	clear(l.entries)
	l.entries = l.entries[:0]
}
