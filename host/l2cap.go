package host

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/event"
	"github.com/corvidae-io/blehost/stack"
)

// Channel is a connection-oriented L2CAP byte stream bound 1:1 to a
// connected device. The channel id is assigned by the connect
// notification and cleared by the disconnect notification; flow
// control is two flags the router flips -- stalled (must not send) and
// dataReady (inbound payload buffered by the stack).
type Channel struct {
	dev *Device
	log blehost.Logger

	mu        sync.Mutex
	cid       uint16
	open      bool
	status    int
	stalled   bool
	dataReady bool

	// Maximum payload the peer can take from us, and we from the peer.
	peerMTU  uint16
	localMTU uint16

	ev *event.Flag
}

// newChannel binds a channel slot on the device. One channel per
// device, enforced here.
func newChannel(d *Device) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, blehost.ErrNotConnected
	}
	if d.channel != nil {
		return nil, blehost.ErrAlreadyChannel
	}
	c := &Channel{
		dev: d,
		log: d.log,
		ev:  event.NewFlag(),
	}
	d.channel = c
	return c, nil
}

func (c *Channel) Device() *Device { return c.dev }

// CID returns the channel id while the channel is up.
func (c *Channel) CID() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cid, c.open
}

// PeerMTU is the largest payload the peer accepts per send.
func (c *Channel) PeerMTU() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMTU
}

// LocalMTU is the largest payload the peer may send us.
func (c *Channel) LocalMTU() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMTU
}

// Available reports whether a read would return data immediately.
func (c *Channel) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataReady
}

// L2CAPAccept waits for the peer to open a channel to us. The first
// accept on the host starts stack listening on psm; listening, once
// started, never stops -- callers must design around that.
func (d *Device) L2CAPAccept(ctx context.Context, psm, mtu uint16, timeout time.Duration) (*Channel, error) {
	c, err := newChannel(d)
	if err != nil {
		return nil, err
	}

	if d.host.listening.CompareAndSwap(false, true) {
		if err := d.host.stack.L2CAPListen(psm, mtu); err != nil {
			d.host.listening.Store(false)
			d.dropChannel(c)
			return nil, errors.Wrap(err, "l2cap listen")
		}
	}

	g := d.Timeout(ctx, timeout)
	defer g.Close()
	if err := g.Wait(c.ev); err != nil {
		d.dropChannel(c)
		return nil, err
	}
	return c, nil
}

// L2CAPConnect opens a channel to a listening peer. Connect and listen
// are mutually exclusive on one host.
func (d *Device) L2CAPConnect(ctx context.Context, psm, mtu uint16, timeout time.Duration) (*Channel, error) {
	if d.host.listening.Load() {
		return nil, blehost.ErrListening
	}
	c, err := newChannel(d)
	if err != nil {
		return nil, err
	}

	handle, ok := d.ConnHandle()
	if !ok {
		d.dropChannel(c)
		return nil, blehost.ErrNotConnected
	}

	g := d.Timeout(ctx, timeout)
	defer g.Close()

	if err := d.host.stack.L2CAPConnect(handle, psm, mtu); err != nil {
		d.dropChannel(c)
		return nil, errors.Wrap(err, "l2cap connect")
	}
	if err := g.Wait(c.ev); err != nil {
		d.dropChannel(c)
		return nil, err
	}

	c.mu.Lock()
	open, status := c.open, c.status
	c.mu.Unlock()
	if !open {
		// The stack reported a disconnect with the rejection status
		// instead of a connect.
		d.dropChannel(c)
		return nil, &blehost.ConnectionError{Status: status}
	}
	return c, nil
}

// dropChannel frees the device's channel slot if it still points at c.
func (d *Device) dropChannel(c *Channel) {
	d.mu.Lock()
	if d.channel == c {
		d.channel = nil
	}
	d.mu.Unlock()
}

// RecvInto fills buf with up to len(buf) received bytes, waiting for
// data if none is buffered, and returns the count actually read.
func (c *Channel) RecvInto(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	g := c.dev.Timeout(ctx, timeout)
	defer g.Close()

	for {
		c.mu.Lock()
		open, ready := c.open, c.dataReady
		c.mu.Unlock()
		if !open {
			return 0, blehost.ErrChannelDisconnected
		}
		if ready {
			break
		}
		if err := g.Wait(c.ev); err != nil {
			return 0, err
		}
	}

	handle, ok := c.dev.ConnHandle()
	if !ok {
		return 0, blehost.ErrChannelDisconnected
	}
	c.mu.Lock()
	cid := c.cid
	c.mu.Unlock()

	n, err := c.dev.host.stack.L2CAPRecvInto(handle, cid, buf)
	if err != nil {
		return 0, errors.Wrap(err, "l2cap recv")
	}

	// The ready flag mirrors whether the stack still buffers bytes.
	remaining, err := c.dev.host.stack.L2CAPRecvInto(handle, cid, nil)
	if err != nil {
		return n, errors.Wrap(err, "l2cap recv probe")
	}
	c.mu.Lock()
	c.dataReady = remaining > 0
	c.mu.Unlock()

	return n, nil
}

// Send transmits buf, first flushing any stalled state. If the stack
// cannot take the payload immediately the channel stalls until the
// next send-ready notification.
func (c *Channel) Send(ctx context.Context, buf []byte, timeout time.Duration) error {
	if err := c.Flush(ctx, timeout); err != nil {
		return err
	}

	c.mu.Lock()
	open, cid, peerMTU := c.open, c.cid, c.peerMTU
	c.mu.Unlock()
	if !open {
		return blehost.ErrChannelDisconnected
	}
	if peerMTU > 0 && len(buf) > int(peerMTU) {
		return errors.Errorf("payload %d exceeds peer mtu %d", len(buf), peerMTU)
	}

	handle, ok := c.dev.ConnHandle()
	if !ok {
		return blehost.ErrChannelDisconnected
	}

	accepted, err := c.dev.host.stack.L2CAPSend(handle, cid, buf)
	if err != nil {
		return errors.Wrap(err, "l2cap send")
	}
	c.mu.Lock()
	c.stalled = !accepted
	c.mu.Unlock()
	return nil
}

// Flush waits until the channel is clear to send.
func (c *Channel) Flush(ctx context.Context, timeout time.Duration) error {
	g := c.dev.Timeout(ctx, timeout)
	defer g.Close()

	for {
		c.mu.Lock()
		open, stalled := c.open, c.stalled
		c.mu.Unlock()
		if !open {
			return blehost.ErrChannelDisconnected
		}
		if !stalled {
			return nil
		}
		if err := g.Wait(c.ev); err != nil {
			return err
		}
	}
}

// Disconnect tears the channel down and waits for the stack to confirm
// it. No-op when the channel is already down.
func (c *Channel) Disconnect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	open, cid := c.open, c.cid
	c.mu.Unlock()
	if !open {
		return nil
	}

	handle, ok := c.dev.ConnHandle()
	if !ok {
		return nil
	}
	if err := c.dev.host.stack.L2CAPDisconnect(handle, cid); err != nil {
		return errors.Wrap(err, "l2cap disconnect")
	}

	g := c.dev.Timeout(ctx, timeout)
	defer g.Close()
	for {
		c.mu.Lock()
		open = c.open
		c.mu.Unlock()
		if !open {
			return nil
		}
		if err := g.Wait(c.ev); err != nil {
			return err
		}
	}
}

// l2capHandler routes channel notifications: match the device by
// connection handle, then its channel, discard events for a stale
// channel id, update the flags and fire the channel event exactly once.
type l2capHandler struct {
	h *Host
}

func (l *l2capHandler) Handle(n stack.Notification) (int, bool) {
	var handle, cid uint16
	switch ev := n.(type) {
	case *stack.L2CAPConnect:
		handle, cid = ev.Handle, ev.CID
	case *stack.L2CAPDisconnect:
		handle, cid = ev.Handle, ev.CID
	case *stack.L2CAPRecv:
		handle, cid = ev.Handle, ev.CID
	case *stack.L2CAPSendReady:
		handle, cid = ev.Handle, ev.CID
	default:
		return 0, false
	}

	d, ok := l.h.devices.Get(handle)
	if !ok {
		return 0, false
	}
	d.mu.Lock()
	c := d.channel
	d.mu.Unlock()
	if c == nil {
		return 0, false
	}

	c.mu.Lock()
	// While waiting for the connect notification the cid is not yet
	// assigned and matches anything; afterwards a mismatched cid is a
	// leftover from a previous channel and is ignored.
	if c.open && c.cid != cid {
		c.mu.Unlock()
		return 0, false
	}

	switch ev := n.(type) {
	case *stack.L2CAPConnect:
		c.cid = ev.CID
		c.open = true
		c.localMTU = ev.LocalMTU
		c.peerMTU = ev.PeerMTU
	case *stack.L2CAPDisconnect:
		c.status = ev.Status
		c.open = false
	case *stack.L2CAPRecv:
		c.dataReady = true
	case *stack.L2CAPSendReady:
		c.stalled = false
	}
	c.mu.Unlock()

	if _, isDisc := n.(*stack.L2CAPDisconnect); isDisc {
		// A closed channel frees the device's slot so a new one can be
		// opened on the same connection.
		d.dropChannel(c)
	}

	c.ev.Set()
	return 0, false
}
