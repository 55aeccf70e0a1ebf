package storage

import (
	"sync"
)

// Lazy is a resolved-once cell. The loader runs on first Get, its result (value or error) is memoized
// and never recomputed.
type Lazy[T any] struct {
	mu       sync.Mutex
	loader   func() (T, error)
	value    T
	err      error
	resolved bool
}

// NewLazy return cell that resolves its value with loader.
func NewLazy[T any](loader func() (T, error)) *Lazy[T] {
	return &Lazy[T]{loader: loader}
}

// Resolved return cell holding an already known value.
func Resolved[T any](value T) *Lazy[T] {
	return &Lazy[T]{value: value, resolved: true}
}

// Get resolve value on first call.
func (l *Lazy[T]) Get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.resolved {
		if l.loader != nil {
			l.value, l.err = l.loader()
		}
		l.loader = nil
		l.resolved = true
	}
	return l.value, l.err
}

// IsResolved reports whether the value is known. It never triggers the loader.
func (l *Lazy[T]) IsResolved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved
}
