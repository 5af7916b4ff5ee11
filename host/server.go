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

// Property flags for characteristics. The values are the attribute
// table flags the stack expects.
type Property uint16

const (
	PropRead            Property = 0x0002
	PropWriteNoResponse Property = 0x0004
	PropWrite           Property = 0x0008
	PropNotify          Property = 0x0010
	PropIndicate        Property = 0x0020

	PropReadEncrypted      Property = 0x0200
	PropReadAuthenticated  Property = 0x0400
	PropReadAuthorized     Property = 0x0800
	PropWriteEncrypted     Property = 0x1000
	PropWriteAuthenticated Property = 0x2000
	PropWriteAuthorized    Property = 0x4000
)

// DescProperty flags for descriptors. Descriptors use a separate flag
// space in the stack's registration call.
type DescProperty uint16

const (
	DescRead  DescProperty = 0x01
	DescWrite DescProperty = 0x02
)

const writeProps = PropWrite | PropWriteNoResponse

// Service is one entry of the declarative attribute tree built before
// registration.
type Service struct {
	UUID            blehost.UUID
	characteristics []*Characteristic
}

func NewService(uuid blehost.UUID) *Service {
	return &Service{UUID: uuid}
}

func (s *Service) Characteristics() []*Characteristic {
	return s.characteristics
}

// serverAttr is what the value-handle registry stores: anything that
// can receive remote reads and writes.
type serverAttr interface {
	remoteWrite(d *Device)
	remoteRead(d *Device) int
}

// baseAttr carries the state shared by characteristics and
// descriptors: the assigned value handle, the single-slot last-writer
// cell and the read hook.
type baseAttr struct {
	uuid blehost.UUID
	host *Host

	valueHandle uint16
	registered  bool

	mu          sync.Mutex
	writeDevice *Device
	writeEvent  *event.Flag

	onRead func(*Device) int
}

func (a *baseAttr) UUID() blehost.UUID { return a.uuid }

// ValueHandle returns the handle assigned by the last registration.
func (a *baseAttr) ValueHandle() (uint16, bool) {
	return a.valueHandle, a.registered
}

// HandleRead installs the hook consulted on a remote read request. The
// returned ATT status is passed back to the stack synchronously; zero
// allows the read. The hook runs on the router context and must not
// block.
func (a *baseAttr) HandleRead(fn func(*Device) int) {
	a.onRead = fn
}

// Read returns the value from the local attribute store.
func (a *baseAttr) Read() ([]byte, error) {
	if !a.registered {
		return nil, blehost.ErrNotRegistered
	}
	return a.host.stack.Read(a.valueHandle)
}

// Write stores a value into the local attribute store.
func (a *baseAttr) Write(value []byte) error {
	if !a.registered {
		return blehost.ErrNotRegistered
	}
	return a.host.stack.Write(a.valueHandle, value)
}

// Written waits for a remote write and returns the device that made
// it. If an unconsumed write is already pending it returns at once.
// The writer cell holds one entry: a second write before consumption
// replaces the first.
func (a *baseAttr) Written(ctx context.Context, timeout time.Duration) (*Device, error) {
	if a.writeEvent == nil {
		return nil, errors.Wrap(blehost.ErrNotSupported, "attribute is not writable")
	}

	a.mu.Lock()
	d := a.writeDevice
	a.writeDevice = nil
	if d != nil {
		// Consume the pending wake-up along with the pending writer so
		// the next call waits for a fresh write.
		a.writeEvent.Clear()
	}
	a.mu.Unlock()
	if d != nil {
		return d, nil
	}

	g := newGuard(ctx, nil, timeout)
	defer g.Close()
	if err := g.Wait(a.writeEvent); err != nil {
		return nil, err
	}

	a.mu.Lock()
	d = a.writeDevice
	a.writeDevice = nil
	a.mu.Unlock()
	return d, nil
}

func (a *baseAttr) remoteWrite(d *Device) {
	if a.writeEvent == nil {
		return
	}
	a.mu.Lock()
	a.writeDevice = d
	a.mu.Unlock()
	a.writeEvent.Set()
}

func (a *baseAttr) remoteRead(d *Device) int {
	if a.onRead != nil {
		return a.onRead(d)
	}
	return 0
}

// attach stores the handle assigned by the current registration.
func (a *baseAttr) attach(h *Host, handle uint16) {
	a.host = h
	a.valueHandle = handle
	a.registered = true
}

// Characteristic is a declarative characteristic. Write-capable ones
// own the last-writer cell; indicate-capable ones own the single
// outstanding-indication slot.
type Characteristic struct {
	baseAttr

	props       Property
	service     *Service
	descriptors []*Descriptor

	// Buffered characteristics forward a capacity hint to the stack's
	// attribute store at registration.
	maxLen     int
	appendMode bool

	indicateMu     sync.Mutex
	indicateDevice *Device
	indicateStatus int
	indicateEvent  *event.Flag
}

// NewCharacteristic creates a characteristic and appends it to svc.
func NewCharacteristic(svc *Service, uuid blehost.UUID, props Property) *Characteristic {
	c := &Characteristic{props: props, service: svc}
	c.uuid = uuid
	if props&writeProps != 0 {
		c.writeEvent = event.NewFlag()
	}
	if props&PropIndicate != 0 {
		c.indicateEvent = event.NewFlag()
	}
	svc.characteristics = append(svc.characteristics, c)
	return c
}

// NewBufferedCharacteristic creates a read-only characteristic whose
// attribute store slot is resized to maxLen at registration.
// appendMode makes remote writes append instead of replace.
func NewBufferedCharacteristic(svc *Service, uuid blehost.UUID, maxLen int, appendMode bool) *Characteristic {
	c := NewCharacteristic(svc, uuid, PropRead)
	c.maxLen = maxLen
	c.appendMode = appendMode
	return c
}

func (c *Characteristic) Properties() Property { return c.props }

func (c *Characteristic) Descriptors() []*Descriptor { return c.descriptors }

// Notify pushes data to the peer without acknowledgement.
func (c *Characteristic) Notify(d *Device, data []byte) error {
	if c.props&PropNotify == 0 {
		return errors.Wrap(blehost.ErrNotSupported, "characteristic can't notify")
	}
	if !c.registered {
		return blehost.ErrNotRegistered
	}
	handle, ok := d.ConnHandle()
	if !ok {
		return blehost.ErrNotConnected
	}
	return c.host.stack.Notify(handle, c.valueHandle, data)
}

// Indicate pushes the current value to the peer and waits for the
// acknowledgement, returning its status. At most one indication may be
// outstanding per characteristic, across all devices.
func (c *Characteristic) Indicate(ctx context.Context, d *Device, timeout time.Duration) (int, error) {
	if c.props&PropIndicate == 0 {
		return 0, errors.Wrap(blehost.ErrNotSupported, "characteristic can't indicate")
	}
	if !c.registered {
		return 0, blehost.ErrNotRegistered
	}
	handle, ok := d.ConnHandle()
	if !ok {
		return 0, blehost.ErrNotConnected
	}

	c.indicateMu.Lock()
	if c.indicateDevice != nil {
		c.indicateMu.Unlock()
		return 0, errors.Wrap(blehost.ErrInProgress, "indication outstanding")
	}
	c.indicateDevice = d
	c.indicateStatus = 0
	c.indicateMu.Unlock()

	defer func() {
		c.indicateMu.Lock()
		c.indicateDevice = nil
		c.indicateMu.Unlock()
	}()

	g := d.Timeout(ctx, timeout)
	defer g.Close()

	if err := c.host.stack.Indicate(handle, c.valueHandle); err != nil {
		return 0, errors.Wrap(err, "indicate")
	}
	if err := g.Wait(c.indicateEvent); err != nil {
		return 0, err
	}

	c.indicateMu.Lock()
	status := c.indicateStatus
	c.indicateMu.Unlock()
	return status, nil
}

func (c *Characteristic) indicateDone(d *Device, status int) {
	c.indicateMu.Lock()
	expect := c.indicateDevice
	c.indicateMu.Unlock()

	// The acknowledging device must be the one the indication went to.
	// A mismatch means the stack and this registry disagree.
	if expect == nil || d == nil || !expect.Equal(d) {
		c.host.log.Errorf("indicate ack from unexpected device %v, want %v", d, expect)
		return
	}

	c.indicateMu.Lock()
	c.indicateStatus = status
	c.indicateMu.Unlock()
	c.indicateEvent.Set()
}

// Descriptor is a declarative descriptor attached to a characteristic.
type Descriptor struct {
	baseAttr
	props DescProperty
}

// NewDescriptor creates a descriptor and appends it to c.
func NewDescriptor(c *Characteristic, uuid blehost.UUID, props DescProperty) *Descriptor {
	d := &Descriptor{props: props}
	d.uuid = uuid
	if props&DescWrite != 0 {
		d.writeEvent = event.NewFlag()
	}
	c.descriptors = append(c.descriptors, d)
	return d
}

func (d *Descriptor) Properties() DescProperty { return d.props }

// RegisterServices clears the value-handle registry, allocates handles
// for the whole tree in depth-first order and stores them back onto
// every characteristic and descriptor. Each call starts a new
// generation of the attribute table: handles issued by a previous call
// no longer route.
func (h *Host) RegisterServices(svcs ...*Service) error {
	defs := make([]stack.ServiceDef, 0, len(svcs))
	for _, s := range svcs {
		sd := stack.ServiceDef{UUID: s.UUID}
		for _, c := range s.characteristics {
			cd := stack.CharacteristicDef{UUID: c.uuid, Flags: uint16(c.props)}
			for _, d := range c.descriptors {
				cd.Descriptors = append(cd.Descriptors, stack.DescriptorDef{UUID: d.uuid, Flags: uint16(d.props)})
			}
			sd.Characteristics = append(sd.Characteristics, cd)
		}
		defs = append(defs, sd)
	}

	h.attrs.Range(func(k uint16, _ serverAttr) bool {
		h.attrs.Del(k)
		return true
	})

	handles, err := h.stack.RegisterServices(defs)
	if err != nil {
		return errors.Wrap(err, "register services")
	}
	if len(handles) != len(svcs) {
		return errors.Errorf("stack returned %d handle groups for %d services", len(handles), len(svcs))
	}

	for i, s := range svcs {
		hh := handles[i]
		n := 0
		for _, c := range s.characteristics {
			if n >= len(hh) {
				return errors.Errorf("service %v: stack returned too few handles", s.UUID)
			}
			c.attach(h, hh[n])
			h.attrs.Set(hh[n], c)
			n++
			if c.maxLen > 0 {
				if err := h.stack.SetBuffer(c.valueHandle, c.maxLen, c.appendMode); err != nil {
					return errors.Wrap(err, "set buffer")
				}
			}
			for _, d := range c.descriptors {
				if n >= len(hh) {
					return errors.Errorf("service %v: stack returned too few handles", s.UUID)
				}
				d.attach(h, hh[n])
				h.attrs.Set(hh[n], d)
				n++
			}
		}
	}

	h.mu.Lock()
	h.services = svcs
	h.mu.Unlock()
	return nil
}

// Profile snapshots the last registered attribute table.
func (h *Host) Profile() blehost.Profile {
	h.mu.Lock()
	svcs := h.services
	h.mu.Unlock()

	var p blehost.Profile
	for _, s := range svcs {
		sp := blehost.ServiceProfile{UUID: s.UUID.String()}
		for _, c := range s.characteristics {
			cp := blehost.CharacteristicProfile{
				UUID:        c.uuid.String(),
				Properties:  uint16(c.props),
				ValueHandle: c.valueHandle,
			}
			for _, d := range c.descriptors {
				cp.Descriptors = append(cp.Descriptors, blehost.DescriptorProfile{
					UUID:   d.uuid.String(),
					Handle: d.valueHandle,
				})
			}
			sp.Characteristics = append(sp.Characteristics, cp)
		}
		p.Services = append(p.Services, sp)
	}
	return p
}

// serverHandler routes remote reads, writes and indication acks to the
// owning attribute.
type serverHandler struct {
	h *Host
}

func (s *serverHandler) Handle(n stack.Notification) (int, bool) {
	switch ev := n.(type) {
	case *stack.GattWrite:
		if a, ok := s.h.attrs.Get(ev.ValueHandle); ok {
			d, _ := s.h.devices.Get(ev.Handle)
			a.remoteWrite(d)
		}
	case *stack.GattReadRequest:
		if a, ok := s.h.attrs.Get(ev.ValueHandle); ok {
			d, _ := s.h.devices.Get(ev.Handle)
			return a.remoteRead(d), true
		}
	case *stack.IndicateDone:
		if a, ok := s.h.attrs.Get(ev.ValueHandle); ok {
			if c, isChar := a.(*Characteristic); isChar {
				d, _ := s.h.devices.Get(ev.Handle)
				c.indicateDone(d, ev.Status)
			}
		}
	}
	return 0, false
}
