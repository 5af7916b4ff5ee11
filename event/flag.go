package event

import "context"

// Flag is a sticky, coalescing wake-up flag. Set is a constant-time
// non-blocking operation, so it may be called from the notification
// router; repeated Sets before the waiter runs collapse into one.
// Wait consumes the flag on wake-up.
//
// Flag supports exactly one concurrent waiter. Every object that owns
// a Flag (a characteristic's write flag, a channel's event) is waited
// on by at most one consumer at a time by construction.
type Flag struct {
	ch chan struct{}
}

func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{}, 1)}
}

// Set raises the flag. Safe from any goroutine, never blocks.
func (f *Flag) Set() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

// Clear drops a pending wake-up, if any.
func (f *Flag) Clear() {
	select {
	case <-f.ch:
	default:
	}
}

// IsSet reports whether a wake-up is pending.
func (f *Flag) IsSet() bool {
	return len(f.ch) > 0
}

// Wait blocks until the flag is raised or ctx ends, clearing the flag
// on a successful wake-up.
func (f *Flag) Wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
