package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/event"
	"github.com/corvidae-io/blehost/stack"
)

// Device represents one peer. Identity is the (address type, address)
// pair; a connection handle is attached only while connected, during
// which the device is registered in the host's handle map. A watcher
// goroutine runs per connection and is the only thing that deregisters
// the device and cancels its in-flight operations.
type Device struct {
	host *Host
	log  blehost.Logger

	addrType blehost.AddrType
	addr     blehost.Addr

	mu            sync.Mutex
	handle        uint16
	connected     bool
	gone          bool
	reason        int
	connectStatus int
	mtu           uint16

	guards map[*Guard]struct{}

	channel *Channel

	watcherOn   bool
	watcherDone chan struct{}

	// connEvent fires on both connection and disconnection. During
	// Connect the connecting task is its only waiter; afterwards the
	// watcher is.
	connEvent *event.Flag
	mtuEvent  *event.Flag
}

// NewDevice returns an unconnected device for the given peer address.
func (h *Host) NewDevice(t blehost.AddrType, addr blehost.Addr) *Device {
	return &Device{
		host:      h,
		log:       h.log.ChildLogger(map[string]interface{}{"peer": addr.String()}),
		addrType:  t,
		addr:      addr,
		guards:    make(map[*Guard]struct{}),
		connEvent: event.NewFlag(),
		mtuEvent:  event.NewFlag(),
	}
}

func (d *Device) AddrType() blehost.AddrType { return d.addrType }
func (d *Device) Addr() blehost.Addr         { return d.addr }

// Equal reports whether two devices name the same peer. Connection
// state is not part of device identity.
func (d *Device) Equal(o *Device) bool {
	return o != nil && d.addrType == o.addrType && d.addr.String() == o.addr.String()
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return fmt.Sprintf("Device(%v,%v,%d)", d.addrType, d.addr, d.handle)
	}
	return fmt.Sprintf("Device(%v,%v)", d.addrType, d.addr)
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// ConnHandle returns the connection handle while connected.
func (d *Device) ConnHandle() (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle, d.connected
}

// MTU returns the currently negotiated connection MTU, zero before any
// exchange.
func (d *Device) MTU() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

// Timeout returns a guard bound to this device: the guarded wait is
// cancelled either by the deadline or by this device disconnecting.
// A zero timeout arms no timer and leaves disconnection as the only
// cancellation source.
func (d *Device) Timeout(ctx context.Context, timeout time.Duration) *Guard {
	return newGuard(ctx, d, timeout)
}

// Connect establishes a connection to the peer. Calling it on an
// already connected device is a no-op and issues no stack call.
// A zero timeout uses the host default.
func (d *Device) Connect(ctx context.Context, timeout time.Duration) error {
	if d.IsConnected() {
		return nil
	}
	if timeout <= 0 {
		timeout = d.host.connectTimeout
	}

	d.mu.Lock()
	d.gone = false
	d.connectStatus = 0
	d.mu.Unlock()

	g := newGuard(ctx, nil, timeout)
	defer g.Close()

	d.host.addPending(d)
	defer d.host.removePending(d)

	if err := d.host.stack.Connect(d.addrType, d.addr); err != nil {
		return errors.Wrap(err, "connect")
	}
	if err := g.Wait(d.connEvent); err != nil {
		return err
	}
	if !d.IsConnected() {
		d.mu.Lock()
		status := d.connectStatus
		d.mu.Unlock()
		return &blehost.ConnectionError{Status: status}
	}

	d.startWatcher()
	return nil
}

// Disconnect requests disconnection from the stack and waits for the
// watcher to finish cleaning up. No-op when not connected.
func (d *Device) Disconnect(ctx context.Context, timeout time.Duration) error {
	return d.awaitDisconnect(ctx, timeout, true)
}

// Disconnected waits for the peer to go away without requesting it.
func (d *Device) Disconnected(ctx context.Context, timeout time.Duration) error {
	return d.awaitDisconnect(ctx, timeout, false)
}

func (d *Device) awaitDisconnect(ctx context.Context, timeout time.Duration, request bool) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	handle := d.handle
	done := d.watcherDone
	d.mu.Unlock()

	if done == nil {
		// Connected but never watched (inbound device not yet
		// accepted): adopt the cleanup ourselves.
		d.startWatcher()
		d.mu.Lock()
		done = d.watcherDone
		d.mu.Unlock()
	}
	if timeout <= 0 {
		timeout = d.host.disconnectTimeout
	}
	if request {
		if err := d.host.stack.Disconnect(handle); err != nil {
			return errors.Wrap(err, "disconnect")
		}
	}

	g := newGuard(ctx, nil, timeout)
	defer g.Close()
	return g.Wait(doneWaiter(done))
}

// ExchangeMTU negotiates the connection MTU and returns the result.
func (d *Device) ExchangeMTU(ctx context.Context, mtu uint16, timeout time.Duration) (uint16, error) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return 0, blehost.ErrNotConnected
	}
	handle := d.handle
	d.mu.Unlock()

	g := newGuard(ctx, d, timeout)
	defer g.Close()

	if err := d.host.stack.ExchangeMTU(handle, mtu); err != nil {
		return 0, errors.Wrap(err, "exchange mtu")
	}
	if err := g.Wait(d.mtuEvent); err != nil {
		return 0, err
	}
	return d.MTU(), nil
}

// attach binds a connection handle and registers the device in the
// host's handle map. Runs on the router context.
func (d *Device) attach(handle uint16) {
	d.mu.Lock()
	d.handle = handle
	d.connected = true
	d.gone = false
	d.mu.Unlock()
	d.host.devices.Set(handle, d)
}

// detach undoes attach. Only used when an inbound connection is
// refused for lack of backlog space.
func (d *Device) detach() {
	d.mu.Lock()
	handle := d.handle
	d.connected = false
	d.mu.Unlock()
	d.host.devices.Del(handle)
}

func (d *Device) markGone(reason int) {
	d.mu.Lock()
	d.gone = true
	d.reason = reason
	d.mu.Unlock()
}

func (d *Device) setMTU(mtu uint16) {
	d.mu.Lock()
	d.mtu = mtu
	d.mu.Unlock()
}

func (d *Device) addGuard(g *Guard) {
	d.mu.Lock()
	d.guards[g] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) removeGuard(g *Guard) {
	d.mu.Lock()
	delete(d.guards, g)
	d.mu.Unlock()
}

func (d *Device) startWatcher() {
	d.mu.Lock()
	if d.watcherOn {
		d.mu.Unlock()
		return
	}
	d.watcherOn = true
	d.watcherDone = make(chan struct{})
	done := d.watcherDone
	d.mu.Unlock()
	go d.watch(done)
}

// watch is the sole long-lived consumer of connEvent once the device
// is connected. It blocks until the disconnect notification fires the
// event, then deregisters the device, clears the handle and cancels
// every guard registered on it -- strictly in that order, so a guard
// woken by the cancellation always observes the device as
// disconnected.
func (d *Device) watch(done chan struct{}) {
	defer close(done)

	for {
		if err := d.connEvent.Wait(d.host.ctx); err != nil {
			// Host shut down.
			return
		}
		d.mu.Lock()
		gone := d.gone
		d.mu.Unlock()
		if gone {
			break
		}
		// Leftover connect wake-up; re-arm.
	}

	d.mu.Lock()
	handle := d.handle
	reason := d.reason
	d.connected = false
	d.watcherOn = false
	guards := make([]*Guard, 0, len(d.guards))
	for g := range d.guards {
		guards = append(guards, g)
	}
	d.mu.Unlock()

	d.host.devices.Del(handle)
	for _, g := range guards {
		g.cancel()
	}
	d.log.Debugf("disconnected, handle %d, reason %d, cancelled %d guards", handle, reason, len(guards))
}

type doneWaiter <-chan struct{}

func (w doneWaiter) Wait(ctx context.Context) error {
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionHandler owns connection setup and teardown routing.
type sessionHandler struct {
	h *Host
}

func (s *sessionHandler) Handle(n stack.Notification) (int, bool) {
	switch ev := n.(type) {
	case *stack.Connected:
		s.connected(ev)
	case *stack.Disconnected:
		s.disconnected(ev)
	}
	return 0, false
}

func (s *sessionHandler) connected(ev *stack.Connected) {
	d := s.h.lookupPending(ev.AddrType, ev.Addr)

	if ev.Status != 0 {
		if d != nil {
			d.mu.Lock()
			d.connectStatus = ev.Status
			d.mu.Unlock()
			d.connEvent.Set()
		}
		return
	}

	if d != nil {
		d.attach(ev.Handle)
		d.connEvent.Set()
		return
	}

	// Inbound connection: hand a fresh device to Accept.
	d = s.h.NewDevice(ev.AddrType, ev.Addr)
	d.attach(ev.Handle)
	select {
	case s.h.inbound <- d:
	default:
		s.h.log.Warnf("accept backlog full, dropping connection from %v", ev.Addr)
		d.detach()
	}
}

func (s *sessionHandler) disconnected(ev *stack.Disconnected) {
	d, ok := s.h.devices.Get(ev.Handle)
	if !ok {
		// Unknown handle; nowhere to raise from the router.
		return
	}
	d.markGone(ev.Reason)
	d.connEvent.Set()
}

// deviceHandler routes notifications owned by the device itself.
type deviceHandler struct {
	h *Host
}

func (x *deviceHandler) Handle(n stack.Notification) (int, bool) {
	if ev, ok := n.(*stack.MTUExchanged); ok {
		if d, found := x.h.devices.Get(ev.Handle); found {
			d.setMTU(ev.MTU)
			d.mtuEvent.Set()
		}
	}
	return 0, false
}
