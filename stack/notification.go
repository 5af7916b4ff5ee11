package stack

import "github.com/corvidae-io/blehost"

// Kind identifies a notification.
type Kind uint8

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindMTUExchanged
	KindGattWrite
	KindGattReadRequest
	KindIndicateDone
	KindL2CAPConnect
	KindL2CAPDisconnect
	KindL2CAPRecv
	KindL2CAPSendReady
)

var kindNames = map[Kind]string{
	KindConnected:       "connected",
	KindDisconnected:    "disconnected",
	KindMTUExchanged:    "mtu-exchanged",
	KindGattWrite:       "gatt-write",
	KindGattReadRequest: "gatt-read-request",
	KindIndicateDone:    "indicate-done",
	KindL2CAPConnect:    "l2cap-connect",
	KindL2CAPDisconnect: "l2cap-disconnect",
	KindL2CAPRecv:       "l2cap-recv",
	KindL2CAPSendReady:  "l2cap-send-ready",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Notification is the tagged union delivered to the event router.
// Each concrete payload type carries exactly the fields its kind
// defines; routing is done by type switch.
type Notification interface {
	Kind() Kind
}

// Connected reports the completion of a connection attempt or an
// inbound connection. A non-zero Status means the attempt failed and
// Handle is not valid.
type Connected struct {
	Handle   uint16
	AddrType blehost.AddrType
	Addr     blehost.Addr
	Status   int
}

func (*Connected) Kind() Kind { return KindConnected }

// Disconnected reports a link going down.
type Disconnected struct {
	Handle uint16
	Reason int
}

func (*Disconnected) Kind() Kind { return KindDisconnected }

// MTUExchanged reports the negotiated connection MTU.
type MTUExchanged struct {
	Handle uint16
	MTU    uint16
}

func (*MTUExchanged) Kind() Kind { return KindMTUExchanged }

// GattWrite reports a remote write to a local attribute.
type GattWrite struct {
	Handle      uint16
	ValueHandle uint16
}

func (*GattWrite) Kind() Kind { return KindGattWrite }

// GattReadRequest asks for permission to serve a remote read. The
// router's reply is the ATT status: zero allows the read.
type GattReadRequest struct {
	Handle      uint16
	ValueHandle uint16
}

func (*GattReadRequest) Kind() Kind { return KindGattReadRequest }

// IndicateDone reports the peer's acknowledgement of an indication.
type IndicateDone struct {
	Handle      uint16
	ValueHandle uint16
	Status      int
}

func (*IndicateDone) Kind() Kind { return KindIndicateDone }

// L2CAPConnect reports a channel opening.
type L2CAPConnect struct {
	Handle   uint16
	CID      uint16
	PSM      uint16
	LocalMTU uint16
	PeerMTU  uint16
}

func (*L2CAPConnect) Kind() Kind { return KindL2CAPConnect }

// L2CAPDisconnect reports a channel closing, or a refused channel
// connect when CID was never assigned.
type L2CAPDisconnect struct {
	Handle uint16
	CID    uint16
	PSM    uint16
	Status int
}

func (*L2CAPDisconnect) Kind() Kind { return KindL2CAPDisconnect }

// L2CAPRecv reports inbound payload buffered by the stack.
type L2CAPRecv struct {
	Handle uint16
	CID    uint16
}

func (*L2CAPRecv) Kind() Kind { return KindL2CAPRecv }

// L2CAPSendReady reports that the stack can take more outbound data.
type L2CAPSendReady struct {
	Handle uint16
	CID    uint16
	Status int
}

func (*L2CAPSendReady) Kind() Kind { return KindL2CAPSendReady }
