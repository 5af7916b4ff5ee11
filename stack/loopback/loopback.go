// Package loopback is an in-memory stack.Stack for tests, examples
// and bring-up on machines without a radio. Calls record state or
// complete synchronously; the Peer* methods play the role of the
// remote device and the controller, emitting notifications on the
// caller's goroutine the way a real stack would from its event
// context.
package loopback

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/stack"
)

const (
	defaultPeerMTU  = 256
	rxBufferSize    = 4096
	defaultSendWnd  = 4
	firstAttrHandle = 16
	firstCID        = 0x0040
)

// ConnectRequest records one outbound Connect call, waiting for the
// test or harness to complete it.
type ConnectRequest struct {
	AddrType blehost.AddrType
	Addr     blehost.Addr
}

// ChannelRequest records one outbound L2CAPConnect call.
type ChannelRequest struct {
	Handle uint16
	PSM    uint16
	MTU    uint16
}

// IndicateRequest records one Indicate call awaiting the peer's ack.
type IndicateRequest struct {
	Handle      uint16
	ValueHandle uint16
}

type conn struct {
	cid     uint16
	rx      *ringbuffer.RingBuffer
	window  int
	stalled bool
}

// Stack implements stack.Stack entirely in memory.
type Stack struct {
	mu      sync.Mutex
	handler func(stack.Notification) int
	log     blehost.Logger

	// Local attribute store.
	nextAttr uint16
	attrs    map[uint16][]byte
	attrCap  map[uint16]int
	attrApp  map[uint16]bool

	peerMTU   uint16
	sendWnd   int
	listening bool
	listenPSM uint16

	nextCID uint16
	conns   map[uint16]*conn

	connectReqs  chan ConnectRequest
	channelReqs  chan ChannelRequest
	indicateReqs chan IndicateRequest

	// Outbound frames, notifications and L2CAP payloads observable by
	// the harness.
	sent [][]byte
}

var _ stack.Stack = (*Stack)(nil)

func New() *Stack {
	return &Stack{
		log:          blehost.GetLogger().ChildLogger(map[string]interface{}{"comp": "loopback"}),
		nextAttr:     firstAttrHandle,
		attrs:        make(map[uint16][]byte),
		attrCap:      make(map[uint16]int),
		attrApp:      make(map[uint16]bool),
		peerMTU:      defaultPeerMTU,
		sendWnd:      defaultSendWnd,
		nextCID:      firstCID,
		conns:        make(map[uint16]*conn),
		connectReqs:  make(chan ConnectRequest, 8),
		channelReqs:  make(chan ChannelRequest, 8),
		indicateReqs: make(chan IndicateRequest, 8),
	}
}

// emit hands a notification to the installed router.
func (s *Stack) emit(n stack.Notification) int {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn(n)
}

func (s *Stack) SetEventHandler(fn func(stack.Notification) int) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// ConnectRequests exposes pending outbound connects to the harness.
func (s *Stack) ConnectRequests() <-chan ConnectRequest { return s.connectReqs }

// ChannelRequests exposes pending outbound channel opens.
func (s *Stack) ChannelRequests() <-chan ChannelRequest { return s.channelReqs }

// IndicateRequests exposes outstanding indications.
func (s *Stack) IndicateRequests() <-chan IndicateRequest { return s.indicateReqs }

// SetPeerMTU configures the MTU the simulated peer negotiates.
func (s *Stack) SetPeerMTU(mtu uint16) {
	s.mu.Lock()
	s.peerMTU = mtu
	s.mu.Unlock()
}

// SetSendWindow configures how many sends are accepted before the
// stack stalls the channel.
func (s *Stack) SetSendWindow(n int) {
	s.mu.Lock()
	s.sendWnd = n
	s.mu.Unlock()
}

func (s *Stack) Connect(t blehost.AddrType, addr blehost.Addr) error {
	select {
	case s.connectReqs <- ConnectRequest{AddrType: t, Addr: addr}:
		return nil
	default:
		return errors.New("connect queue full")
	}
}

func (s *Stack) Disconnect(handle uint16) error {
	// Completes immediately, like a controller that acks the command
	// and reports completion in the same event batch.
	s.PeerDisconnect(handle, 0x16)
	return nil
}

func (s *Stack) ExchangeMTU(handle uint16, mtu uint16) error {
	s.mu.Lock()
	peer := s.peerMTU
	s.mu.Unlock()
	if mtu > peer {
		mtu = peer
	}
	s.emit(&stack.MTUExchanged{Handle: handle, MTU: mtu})
	return nil
}

func (s *Stack) RegisterServices(svcs []stack.ServiceDef) ([][]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]uint16, 0, len(svcs))
	for _, svc := range svcs {
		var hh []uint16
		for _, c := range svc.Characteristics {
			hh = append(hh, s.allocAttr())
			for range c.Descriptors {
				hh = append(hh, s.allocAttr())
			}
		}
		out = append(out, hh)
	}
	return out, nil
}

func (s *Stack) allocAttr() uint16 {
	h := s.nextAttr
	s.nextAttr++
	s.attrs[h] = nil
	return h
}

func (s *Stack) Read(valueHandle uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[valueHandle]
	if !ok {
		return nil, errors.Errorf("no attribute %d", valueHandle)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Stack) Write(valueHandle uint16, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAttr(valueHandle, value)
}

func (s *Stack) writeAttr(valueHandle uint16, value []byte) error {
	if _, ok := s.attrs[valueHandle]; !ok {
		return errors.Errorf("no attribute %d", valueHandle)
	}
	if max, ok := s.attrCap[valueHandle]; ok && s.attrApp[valueHandle] {
		merged := append(append([]byte{}, s.attrs[valueHandle]...), value...)
		if len(merged) > max {
			merged = merged[len(merged)-max:]
		}
		s.attrs[valueHandle] = merged
		return nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.attrs[valueHandle] = v
	return nil
}

func (s *Stack) SetBuffer(valueHandle uint16, maxLen int, appendMode bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attrs[valueHandle]; !ok {
		return errors.Errorf("no attribute %d", valueHandle)
	}
	s.attrCap[valueHandle] = maxLen
	s.attrApp[valueHandle] = appendMode
	return nil
}

func (s *Stack) Notify(handle, valueHandle uint16, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]byte, len(value))
	copy(frame, value)
	s.sent = append(s.sent, frame)
	return nil
}

func (s *Stack) Indicate(handle, valueHandle uint16) error {
	select {
	case s.indicateReqs <- IndicateRequest{Handle: handle, ValueHandle: valueHandle}:
		return nil
	default:
		return errors.New("indicate queue full")
	}
}

func (s *Stack) L2CAPListen(psm, mtu uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return errors.New("already listening")
	}
	s.listening = true
	s.listenPSM = psm
	return nil
}

func (s *Stack) L2CAPConnect(handle uint16, psm, mtu uint16) error {
	select {
	case s.channelReqs <- ChannelRequest{Handle: handle, PSM: psm, MTU: mtu}:
		return nil
	default:
		return errors.New("channel queue full")
	}
}

func (s *Stack) L2CAPDisconnect(handle, cid uint16) error {
	s.mu.Lock()
	c, ok := s.conns[handle]
	psm := s.listenPSM
	if ok {
		delete(s.conns, handle)
	}
	s.mu.Unlock()
	if !ok || c.cid != cid {
		return errors.Errorf("no channel %d on handle %d", cid, handle)
	}
	s.emit(&stack.L2CAPDisconnect{Handle: handle, CID: cid, PSM: psm, Status: 0})
	return nil
}

func (s *Stack) L2CAPSend(handle, cid uint16, buf []byte) (bool, error) {
	s.mu.Lock()
	c, ok := s.conns[handle]
	if !ok || c.cid != cid {
		s.mu.Unlock()
		return false, errors.Errorf("no channel %d on handle %d", cid, handle)
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	s.sent = append(s.sent, frame)
	c.window--
	stalled := c.window <= 0
	c.stalled = stalled
	s.mu.Unlock()
	return !stalled, nil
}

func (s *Stack) L2CAPRecvInto(handle, cid uint16, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[handle]
	if !ok || c.cid != cid {
		return 0, errors.Errorf("no channel %d on handle %d", cid, handle)
	}
	if buf == nil {
		return c.rx.Length(), nil
	}
	if c.rx.IsEmpty() {
		return 0, nil
	}
	n, err := c.rx.Read(buf)
	if err != nil {
		return 0, errors.Wrap(err, "rx buffer")
	}
	return n, nil
}

// Sent returns every frame handed to the stack so far (notifies and
// channel payloads), oldest first.
func (s *Stack) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Peer and controller behavior, driven by the harness.

// CompleteConnect finishes a pending outbound connect, successfully
// when status is zero.
func (s *Stack) CompleteConnect(req ConnectRequest, handle uint16, status int) {
	s.emit(&stack.Connected{Handle: handle, AddrType: req.AddrType, Addr: req.Addr, Status: status})
}

// PeerConnect simulates an inbound connection from addr.
func (s *Stack) PeerConnect(handle uint16, t blehost.AddrType, addr blehost.Addr) {
	s.emit(&stack.Connected{Handle: handle, AddrType: t, Addr: addr})
}

// PeerDisconnect drops the link.
func (s *Stack) PeerDisconnect(handle uint16, reason int) {
	s.mu.Lock()
	delete(s.conns, handle)
	s.mu.Unlock()
	s.emit(&stack.Disconnected{Handle: handle, Reason: reason})
}

// PeerWriteAttr performs a remote GATT write.
func (s *Stack) PeerWriteAttr(handle, valueHandle uint16, value []byte) {
	s.mu.Lock()
	err := s.writeAttr(valueHandle, value)
	s.mu.Unlock()
	if err != nil {
		s.log.Warnf("peer write: %v", err)
		return
	}
	s.emit(&stack.GattWrite{Handle: handle, ValueHandle: valueHandle})
}

// PeerReadAttr performs a remote GATT read and returns the router's
// ATT status reply plus the stored value.
func (s *Stack) PeerReadAttr(handle, valueHandle uint16) (int, []byte) {
	status := s.emit(&stack.GattReadRequest{Handle: handle, ValueHandle: valueHandle})
	if status != 0 {
		return status, nil
	}
	v, err := s.Read(valueHandle)
	if err != nil {
		s.log.Warnf("peer read: %v", err)
		return 0, nil
	}
	return 0, v
}

// PeerAckIndicate acknowledges an outstanding indication.
func (s *Stack) PeerAckIndicate(req IndicateRequest, status int) {
	s.emit(&stack.IndicateDone{Handle: req.Handle, ValueHandle: req.ValueHandle, Status: status})
}

// PeerOpenChannel completes a pending outbound channel request or, in
// listen mode, opens an inbound channel. It allocates the cid and the
// receive buffer.
func (s *Stack) PeerOpenChannel(handle uint16, psm, localMTU uint16) uint16 {
	s.mu.Lock()
	cid := s.nextCID
	s.nextCID++
	s.conns[handle] = &conn{
		cid:    cid,
		rx:     ringbuffer.New(rxBufferSize),
		window: s.sendWnd,
	}
	peer := s.peerMTU
	s.mu.Unlock()

	s.emit(&stack.L2CAPConnect{Handle: handle, CID: cid, PSM: psm, LocalMTU: localMTU, PeerMTU: peer})
	return cid
}

// PeerRefuseChannel rejects a pending channel connect with status.
func (s *Stack) PeerRefuseChannel(handle uint16, psm uint16, status int) {
	s.emit(&stack.L2CAPDisconnect{Handle: handle, CID: 0, PSM: psm, Status: status})
}

// PeerCloseChannel closes an open channel from the remote side.
func (s *Stack) PeerCloseChannel(handle uint16, status int) {
	s.mu.Lock()
	c, ok := s.conns[handle]
	psm := s.listenPSM
	if ok {
		delete(s.conns, handle)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(&stack.L2CAPDisconnect{Handle: handle, CID: c.cid, PSM: psm, Status: status})
}

// PeerChannelData buffers inbound payload and raises the recv
// notification.
func (s *Stack) PeerChannelData(handle uint16, data []byte) {
	s.mu.Lock()
	c, ok := s.conns[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, err := c.rx.Write(data); err != nil {
		s.log.Warnf("rx buffer overflow, dropping %d bytes", len(data))
	}
	cid := c.cid
	s.mu.Unlock()
	s.emit(&stack.L2CAPRecv{Handle: handle, CID: cid})
}

// PeerSendReady resets the send window and clears the stall.
func (s *Stack) PeerSendReady(handle uint16) {
	s.mu.Lock()
	c, ok := s.conns[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.window = s.sendWnd
	c.stalled = false
	cid := c.cid
	s.mu.Unlock()
	s.emit(&stack.L2CAPSendReady{Handle: handle, CID: cid})
}
