package host

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/event"
)

// Guard bounds one blocking wait with an optional deadline and an
// optional device binding. Either or both may be absent; with neither,
// the guard is a pure pass-through. Every blocking operation in this
// package wraps exactly one Wait call in one guard.
//
// Two independent sources can cancel the guarded wait: the deadline
// timer, and the bound device's watcher on disconnection. Both act
// through the same derived context; Wait tells them apart afterwards
// by the evidence each leaves behind. Close must run on every exit
// path so the timer never fires after the operation is over.
type Guard struct {
	dev    *Device
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	fired  atomic.Bool
}

func newGuard(parent context.Context, dev *Device, timeout time.Duration) *Guard {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	g := &Guard{
		dev:    dev,
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
	}
	if timeout > 0 {
		g.timer = time.AfterFunc(timeout, func() {
			g.fired.Store(true)
			cancel()
		})
	}
	if dev != nil {
		dev.addGuard(g)
	}
	return g
}

// Wait blocks on w until it fires or the guard is cancelled. A
// cancelled wait is classified in precedence order: a bound device
// whose handle has been cleared wins over a racing timeout; a timeout
// whose timer fired comes next; a cancelled parent context is
// propagated unchanged.
func (g *Guard) Wait(w event.Waiter) error {
	err := w.Wait(g.ctx)
	if err == nil {
		return nil
	}
	if g.dev != nil && !g.dev.IsConnected() {
		return blehost.ErrDeviceDisconnected
	}
	if g.fired.Load() {
		return blehost.ErrTimeout
	}
	if perr := g.parent.Err(); perr != nil {
		return perr
	}
	return err
}

// Close disarms the guard: stops the timer, detaches from the device
// and releases the derived context.
func (g *Guard) Close() {
	if g.timer != nil {
		g.timer.Stop()
	}
	if g.dev != nil {
		g.dev.removeGuard(g)
	}
	g.cancel()
}
