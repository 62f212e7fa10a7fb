package telemetry

import "sync"

// Window is a fixed-capacity FIFO of snapshots. Pushing into a full window
// evicts the oldest entry. Safe for concurrent use.
type Window[T any] struct {
	mu  sync.RWMutex
	buf []T
	pos int // index of the next write
	n   int // number of valid entries
}

// NewWindow creates a window holding at most capacity entries.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when the window is full.
func (w *Window[T]) Push(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= len(w.buf) {
		w.pos = 0
	}
	if w.n < len(w.buf) {
		w.n++
	}
}

// Recent returns up to count of the newest entries, oldest first.
func (w *Window[T]) Recent(count int) []T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.recentLocked(count)
}

// All returns every entry currently held, oldest first. The result is never nil.
func (w *Window[T]) All() []T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.recentLocked(w.n)
}

func (w *Window[T]) recentLocked(count int) []T {
	if count > w.n {
		count = w.n
	}
	if count < 0 {
		count = 0
	}
	out := make([]T, count)
	start := w.pos - count
	if start < 0 {
		start += len(w.buf)
	}
	for i := range count {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of entries held.
func (w *Window[T]) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.n
}

// Cap returns the configured capacity.
func (w *Window[T]) Cap() int {
	return len(w.buf)
}

// Clear empties the window.
func (w *Window[T]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.buf)
	w.pos = 0
	w.n = 0
}
