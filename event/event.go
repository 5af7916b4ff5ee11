// Package event provides the two wait primitives the host core is
// built on: a multi-waiter queue event and a single-waiter sticky flag
// that is safe to raise from the notification router.
package event

import (
	"context"
	"sync"
)

// Waiter is anything an operation can block on under a guard.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Event is a level-triggered event with any number of waiters.
// Set wakes every queued waiter in FIFO order and leaves the event set
// until Clear is called; a Wait on a set event returns immediately.
type Event struct {
	mu      sync.Mutex
	set     bool
	waiters []chan struct{}
}

func NewEvent() *Event {
	return &Event{}
}

// Set marks the event and wakes all current waiters. It never blocks.
func (e *Event) Set() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.set = true
	e.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Clear resets the event so that Wait blocks again.
func (e *Event) Clear() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set or ctx ends.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		e.remove(w)
		return ctx.Err()
	}
}

func (e *Event) remove(w chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.waiters {
		if q == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}
