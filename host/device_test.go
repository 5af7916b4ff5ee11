package host_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/event"
)

type DeviceSuite struct {
	HostSuite
}

func TestDeviceSuite(t *testing.T) {
	suite.Run(t, new(DeviceSuite))
}

func (s *DeviceSuite) TestConnectRegistersDevice() {
	d := s.connect("aa:bb:cc:dd:ee:01", 1)
	s.True(d.IsConnected())

	got, ok := s.h.Device(1)
	s.True(ok)
	s.True(d.Equal(got))

	handle, ok := d.ConnHandle()
	s.True(ok)
	s.Equal(uint16(1), handle)
}

func (s *DeviceSuite) TestConnectIdempotent() {
	d := s.connect("aa:bb:cc:dd:ee:01", 1)

	// A second connect is a no-op and issues no stack call.
	s.Require().NoError(d.Connect(context.Background(), time.Second))
	select {
	case <-s.lb.ConnectRequests():
		s.FailNow("connect on a connected device reached the stack")
	default:
	}
}

func (s *DeviceSuite) TestConnectTimeout() {
	d := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("aa:bb:cc:dd:ee:02"))

	err := d.Connect(context.Background(), 50*time.Millisecond)
	s.Require().ErrorIs(err, blehost.ErrTimeout)
	s.False(d.IsConnected())
}

func (s *DeviceSuite) TestConnectRejected() {
	d := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("aa:bb:cc:dd:ee:03"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Connect(context.Background(), time.Second)
	}()

	req := <-s.lb.ConnectRequests()
	s.lb.CompleteConnect(req, 0, 8)

	err := <-errCh
	var connErr *blehost.ConnectionError
	s.Require().ErrorAs(err, &connErr)
	s.Equal(8, connErr.Status)
	s.False(d.IsConnected())
}

func (s *DeviceSuite) TestDisconnectClearsRegistry() {
	d := s.connect("aa:bb:cc:dd:ee:04", 4)

	s.Require().NoError(d.Disconnect(context.Background(), time.Second))
	s.False(d.IsConnected())
	_, ok := s.h.Device(4)
	s.False(ok)

	// No-op on a disconnected device.
	s.Require().NoError(d.Disconnect(context.Background(), time.Second))
}

func (s *DeviceSuite) TestPeerDisconnectCleansUp() {
	d := s.connect("aa:bb:cc:dd:ee:05", 5)

	s.lb.PeerDisconnect(5, 0x13)

	s.Require().Eventually(func() bool {
		_, ok := s.h.Device(5)
		return !d.IsConnected() && !ok
	}, time.Second, 5*time.Millisecond)
}

func (s *DeviceSuite) TestDisconnectBeatsTimeout() {
	d := s.connect("aa:bb:cc:dd:ee:06", 6)

	// A task parked under a long device-bound timeout must wake with
	// the disconnection error, not the timeout, when the peer goes
	// away first.
	errCh := make(chan error, 1)
	go func() {
		g := d.Timeout(context.Background(), 5*time.Second)
		defer g.Close()
		errCh <- g.Wait(event.NewFlag())
	}()

	time.Sleep(20 * time.Millisecond)
	s.lb.PeerDisconnect(6, 0x13)

	select {
	case err := <-errCh:
		s.Require().ErrorIs(err, blehost.ErrDeviceDisconnected)
	case <-time.After(time.Second):
		s.FailNow("guarded wait never woke")
	}
}

func (s *DeviceSuite) TestZeroTimeoutGuardNeverExpires() {
	d := s.connect("aa:bb:cc:dd:ee:07", 7)

	errCh := make(chan error, 1)
	go func() {
		g := d.Timeout(context.Background(), 0)
		defer g.Close()
		errCh <- g.Wait(event.NewFlag())
	}()

	// No timer is armed; only disconnection can cancel the wait.
	select {
	case err := <-errCh:
		s.FailNow("guard fired spuriously", "err: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.lb.PeerDisconnect(7, 0x13)
	select {
	case err := <-errCh:
		s.Require().ErrorIs(err, blehost.ErrDeviceDisconnected)
	case <-time.After(time.Second):
		s.FailNow("guarded wait never woke")
	}
}

func (s *DeviceSuite) TestGuardPropagatesExternalCancel() {
	d := s.connect("aa:bb:cc:dd:ee:08", 8)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		g := d.Timeout(ctx, 5*time.Second)
		defer g.Close()
		errCh <- g.Wait(event.NewFlag())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		// Neither a timeout nor a disconnection: the caller's own
		// cancellation comes back unchanged.
		s.Require().ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.FailNow("guarded wait never woke")
	}
}

func (s *DeviceSuite) TestTimeoutGuardExpires() {
	d := s.connect("aa:bb:cc:dd:ee:09", 9)

	g := d.Timeout(context.Background(), 30*time.Millisecond)
	defer g.Close()
	s.Require().ErrorIs(g.Wait(event.NewFlag()), blehost.ErrTimeout)
}

func (s *DeviceSuite) TestExchangeMTU() {
	d := s.connect("aa:bb:cc:dd:ee:0a", 10)

	mtu, err := d.ExchangeMTU(context.Background(), 185, time.Second)
	s.Require().NoError(err)
	s.Equal(uint16(185), mtu)
	s.Equal(uint16(185), d.MTU())
}

func (s *DeviceSuite) TestExchangeMTUClampedByPeer() {
	s.lb.SetPeerMTU(64)
	d := s.connect("aa:bb:cc:dd:ee:0b", 11)

	mtu, err := d.ExchangeMTU(context.Background(), 185, time.Second)
	s.Require().NoError(err)
	s.Equal(uint16(64), mtu)
}

func (s *DeviceSuite) TestExchangeMTUNotConnected() {
	d := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("aa:bb:cc:dd:ee:0c"))
	_, err := d.ExchangeMTU(context.Background(), 185, time.Second)
	s.Require().ErrorIs(err, blehost.ErrNotConnected)
}

func (s *DeviceSuite) TestAcceptInbound() {
	s.lb.PeerConnect(21, blehost.AddrTypeRandom, blehost.NewAddr("11:22:33:44:55:66"))

	d, err := s.h.Accept(context.Background(), time.Second)
	s.Require().NoError(err)
	s.True(d.IsConnected())
	s.Equal(blehost.AddrTypeRandom, d.AddrType())

	handle, ok := d.ConnHandle()
	s.True(ok)
	s.Equal(uint16(21), handle)
}

func (s *DeviceSuite) TestAcceptTimeout() {
	_, err := s.h.Accept(context.Background(), 50*time.Millisecond)
	s.Require().ErrorIs(err, blehost.ErrTimeout)
}

func (s *DeviceSuite) TestDeviceEquality() {
	a := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("aa:bb:cc:dd:ee:0d"))
	b := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("AA:BB:CC:DD:EE:0D"))
	c := s.h.NewDevice(blehost.AddrTypeRandom, blehost.NewAddr("aa:bb:cc:dd:ee:0d"))

	require.True(s.T(), a.Equal(b))
	require.False(s.T(), a.Equal(c))
}
