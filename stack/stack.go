// Package stack defines the contract with the underlying radio /
// link-layer stack: the narrow set of non-blocking calls the host core
// issues, and the notifications the stack delivers back.
package stack

import (
	"github.com/corvidae-io/blehost"
)

// Stack is implemented by the link-layer stack below the host core.
// Every call is non-blocking: completion is reported through a
// Notification delivered to the handler installed with
// SetEventHandler.
type Stack interface {
	// SetEventHandler installs the single callback invoked for every
	// stack notification. The handler must not block; its int result is
	// consumed only by request/response notifications such as
	// GattReadRequest.
	SetEventHandler(fn func(Notification) int)

	// Connect starts connecting to a peer. Completion arrives as a
	// Connected notification.
	Connect(t blehost.AddrType, addr blehost.Addr) error

	// Disconnect tears down a connection. Completion arrives as a
	// Disconnected notification.
	Disconnect(handle uint16) error

	// ExchangeMTU starts an MTU exchange. The negotiated value arrives
	// as an MTUExchanged notification.
	ExchangeMTU(handle uint16, mtu uint16) error

	// RegisterServices allocates attribute handles for the given tree.
	// The result holds one slice per service with a handle for each
	// characteristic and descriptor in depth-first order.
	RegisterServices(svcs []ServiceDef) ([][]uint16, error)

	// Read and Write access the local attribute store directly.
	Read(valueHandle uint16) ([]byte, error)
	Write(valueHandle uint16, value []byte) error

	// SetBuffer resizes the attribute store slot behind valueHandle.
	SetBuffer(valueHandle uint16, maxLen int, append bool) error

	// Notify pushes a value to a peer without acknowledgement.
	Notify(handle, valueHandle uint16, value []byte) error

	// Indicate pushes a value to a peer; the acknowledgement arrives as
	// an IndicateDone notification.
	Indicate(handle, valueHandle uint16) error

	// L2CAPListen starts listening on a PSM. Listening cannot be
	// stopped again.
	L2CAPListen(psm, mtu uint16) error

	// L2CAPConnect starts a connection-oriented channel. Completion
	// arrives as an L2CAPConnect notification, or as an L2CAPDisconnect
	// carrying the rejection status.
	L2CAPConnect(handle uint16, psm, mtu uint16) error

	// L2CAPDisconnect tears a channel down. Completion arrives as an
	// L2CAPDisconnect notification.
	L2CAPDisconnect(handle, cid uint16) error

	// L2CAPSend queues buf for transmission. A false result means the
	// stack cannot take more data until it raises L2CAPSendReady.
	L2CAPSend(handle, cid uint16, buf []byte) (bool, error)

	// L2CAPRecvInto drains up to len(buf) buffered bytes. A nil buf
	// probes the number of buffered bytes without consuming them.
	L2CAPRecvInto(handle, cid uint16, buf []byte) (int, error)
}

// ServiceDef, CharacteristicDef and DescriptorDef describe the
// attribute tree handed to RegisterServices.
type ServiceDef struct {
	UUID            blehost.UUID
	Characteristics []CharacteristicDef
}

type CharacteristicDef struct {
	UUID        blehost.UUID
	Flags       uint16
	Descriptors []DescriptorDef
}

type DescriptorDef struct {
	UUID  blehost.UUID
	Flags uint16
}
