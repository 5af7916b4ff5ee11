// Package host turns the stack's callback-style notifications into
// ordered, cancellable, timeout-bounded operations: connections, a
// GATT server and L2CAP byte-stream channels.
package host

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/stack"
)

const (
	defaultConnectTimeout    = 2 * time.Second
	defaultDisconnectTimeout = 2 * time.Second
	defaultAcceptBacklog     = 4
)

// Host owns the process-wide connection state for one adapter: the
// handle-keyed device registry, the value-handle-keyed characteristic
// registry, the notification router and the L2CAP listen flag. Both
// registries are lock-free maps because the router reads them on the
// stack's notification context.
type Host struct {
	stack stack.Stack
	log   blehost.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	router *Router

	devices *hashmap.Map[uint16, *Device]
	attrs   *hashmap.Map[uint16, serverAttr]

	mu       sync.Mutex
	pending  map[string]*Device
	services []*Service

	inbound   chan *Device
	listening atomic.Bool

	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	acceptBacklog     int
}

// New wires a host onto a stack and installs the notification router.
func New(s stack.Stack, opts ...blehost.Option) (*Host, error) {
	h := &Host{
		stack:             s,
		log:               blehost.GetLogger(),
		devices:           hashmap.New[uint16, *Device](),
		attrs:             hashmap.New[uint16, serverAttr](),
		pending:           make(map[string]*Device),
		connectTimeout:    defaultConnectTimeout,
		disconnectTimeout: defaultDisconnectTimeout,
		acceptBacklog:     defaultAcceptBacklog,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}

	h.ctx, h.cancelCtx = context.WithCancel(context.Background())
	h.inbound = make(chan *Device, h.acceptBacklog)

	// Fixed priority order. Client discovery and pairing are not built
	// into this host; their slots stay nil and the router skips them.
	h.router = NewRouter(h.log,
		&sessionHandler{h},
		&serverHandler{h},
		nil, // gatt client / discovery
		&l2capHandler{h},
		nil, // pairing / security
		&deviceHandler{h},
	)
	s.SetEventHandler(h.router.Dispatch)

	return h, nil
}

// Close shuts the host down. Watchers exit; pending waits see their
// parent context semantics.
func (h *Host) Close() error {
	h.cancelCtx()
	return nil
}

// Accept returns the next inbound connection as a connected device
// with its watcher running. A zero timeout waits indefinitely.
func (h *Host) Accept(ctx context.Context, timeout time.Duration) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var timer *time.Timer
	var deadline <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case d := <-h.inbound:
		d.startWatcher()
		return d, nil
	case <-deadline:
		return nil, blehost.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, h.ctx.Err()
	}
}

// Device looks a connected device up by connection handle.
func (h *Host) Device(handle uint16) (*Device, bool) {
	return h.devices.Get(handle)
}

func (h *Host) addPending(d *Device) {
	h.mu.Lock()
	h.pending[pendingKey(d.addrType, d.addr)] = d
	h.mu.Unlock()
}

func (h *Host) removePending(d *Device) {
	h.mu.Lock()
	delete(h.pending, pendingKey(d.addrType, d.addr))
	h.mu.Unlock()
}

func (h *Host) lookupPending(t blehost.AddrType, addr blehost.Addr) *Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending[pendingKey(t, addr)]
}

func pendingKey(t blehost.AddrType, addr blehost.Addr) string {
	return t.String() + "/" + addr.String()
}

// Option plumbing, see blehost.HostOption.

func (h *Host) SetLogger(l blehost.Logger) error {
	h.log = l
	return nil
}

func (h *Host) SetConnectTimeout(d time.Duration) error {
	h.connectTimeout = d
	return nil
}

func (h *Host) SetDisconnectTimeout(d time.Duration) error {
	h.disconnectTimeout = d
	return nil
}

func (h *Host) SetAcceptBacklog(n int) error {
	h.acceptBacklog = n
	return nil
}
