package host_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/host"
)

type L2CAPSuite struct {
	HostSuite
}

func TestL2CAPSuite(t *testing.T) {
	suite.Run(t, new(L2CAPSuite))
}

func (s *L2CAPSuite) TestConnectLifecycle() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	cid, ok := c.CID()
	s.True(ok)
	s.NotZero(cid)
	s.Equal(uint16(256), c.PeerMTU())
	s.Equal(uint16(128), c.LocalMTU())

	s.Require().NoError(c.Disconnect(context.Background(), time.Second))
	_, ok = c.CID()
	s.False(ok)

	// The slot is free again.
	c2 := s.openChannel(d, 0x70)
	cid2, ok := c2.CID()
	s.True(ok)
	s.NotEqual(cid, cid2)
}

func (s *L2CAPSuite) TestConnectNotConnected() {
	d := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("c0:ff:ee:00:00:01"))
	_, err := d.L2CAPConnect(context.Background(), 0x70, 128, time.Second)
	s.ErrorIs(err, blehost.ErrNotConnected)
}

func (s *L2CAPSuite) TestSecondChannelRefused() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	s.openChannel(d, 0x70)

	_, err := d.L2CAPConnect(context.Background(), 0x70, 128, time.Second)
	s.ErrorIs(err, blehost.ErrAlreadyChannel)
}

func (s *L2CAPSuite) TestConnectRefusedByPeer() {
	d := s.connect("c0:ff:ee:00:00:01", 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.L2CAPConnect(context.Background(), 0x70, 128, time.Second)
		errCh <- err
	}()

	select {
	case req := <-s.lb.ChannelRequests():
		s.lb.PeerRefuseChannel(req.Handle, req.PSM, 0x02)
	case <-time.After(time.Second):
		s.FailNow("no channel request reached the stack")
	}

	var connErr *blehost.ConnectionError
	select {
	case err := <-errCh:
		s.Require().ErrorAs(err, &connErr)
		s.Equal(0x02, connErr.Status)
	case <-time.After(time.Second):
		s.FailNow("connect never failed")
	}

	// A refused connect frees the slot for a retry.
	s.openChannel(d, 0x70)
}

func (s *L2CAPSuite) TestAccept() {
	d := s.connect("c0:ff:ee:00:00:01", 1)

	type result struct {
		c   *host.Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := d.L2CAPAccept(context.Background(), 0x70, 128, time.Second)
		resCh <- result{c, err}
	}()

	// Give the accept a moment to install the listener, then open from
	// the peer side.
	time.Sleep(20 * time.Millisecond)
	s.lb.PeerOpenChannel(1, 0x70, 128)

	select {
	case res := <-resCh:
		s.Require().NoError(res.err)
		_, ok := res.c.CID()
		s.True(ok)
	case <-time.After(time.Second):
		s.FailNow("accept never completed")
	}

	// Listening never stops: an outbound connect is refused from now
	// on, on any device.
	_, err := d.L2CAPConnect(context.Background(), 0x70, 128, time.Second)
	s.ErrorIs(err, blehost.ErrListening)
}

func (s *L2CAPSuite) TestAcceptTimeout() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	_, err := d.L2CAPAccept(context.Background(), 0x70, 128, 50*time.Millisecond)
	s.ErrorIs(err, blehost.ErrTimeout)

	// The timed-out accept released the slot.
	errCh := make(chan error, 1)
	go func() {
		_, err := d.L2CAPAccept(context.Background(), 0x70, 128, time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.lb.PeerOpenChannel(1, 0x70, 128)
	s.Require().NoError(<-errCh)
}

func (s *L2CAPSuite) TestRecv() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	s.False(c.Available())
	s.lb.PeerChannelData(1, []byte("hello world"))
	s.True(c.Available())

	buf := make([]byte, 5)
	n, err := c.RecvInto(context.Background(), buf, time.Second)
	s.Require().NoError(err)
	s.Equal(5, n)
	s.Equal([]byte("hello"), buf)

	// A partial read leaves the rest buffered.
	s.True(c.Available())
	buf = make([]byte, 16)
	n, err = c.RecvInto(context.Background(), buf, time.Second)
	s.Require().NoError(err)
	s.Equal([]byte(" world"), buf[:n])
	s.False(c.Available())
}

func (s *L2CAPSuite) TestRecvWaits() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	buf := make([]byte, 16)
	go func() {
		n, err := c.RecvInto(context.Background(), buf, time.Second)
		resCh <- result{n, err}
	}()

	time.Sleep(20 * time.Millisecond)
	s.lb.PeerChannelData(1, []byte("late"))

	select {
	case res := <-resCh:
		s.Require().NoError(res.err)
		s.Equal([]byte("late"), buf[:res.n])
	case <-time.After(time.Second):
		s.FailNow("recv never woke")
	}
}

func (s *L2CAPSuite) TestRecvTimeout() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	_, err := c.RecvInto(context.Background(), make([]byte, 4), 50*time.Millisecond)
	s.ErrorIs(err, blehost.ErrTimeout)
}

func (s *L2CAPSuite) TestRecvChannelClosed() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RecvInto(context.Background(), make([]byte, 4), time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.lb.PeerCloseChannel(1, 0)

	select {
	case err := <-errCh:
		s.ErrorIs(err, blehost.ErrChannelDisconnected)
	case <-time.After(time.Second):
		s.FailNow("recv never failed")
	}
	_, ok := c.CID()
	s.False(ok)
}

func (s *L2CAPSuite) TestRecvDeviceDisconnected() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RecvInto(context.Background(), make([]byte, 4), time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.lb.PeerDisconnect(1, 0x13)

	select {
	case err := <-errCh:
		s.ErrorIs(err, blehost.ErrDeviceDisconnected)
	case <-time.After(time.Second):
		s.FailNow("recv never failed")
	}
}

func (s *L2CAPSuite) TestSend() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	s.Require().NoError(c.Send(context.Background(), []byte("ping"), time.Second))
	sent := s.lb.Sent()
	s.Require().Len(sent, 1)
	s.Equal([]byte("ping"), sent[0])
}

func (s *L2CAPSuite) TestSendOverMTU() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	big := make([]byte, int(c.PeerMTU())+1)
	s.Error(c.Send(context.Background(), big, time.Second))
	s.Empty(s.lb.Sent())
}

func (s *L2CAPSuite) TestSendStallAndResume() {
	s.lb.SetSendWindow(2)
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	s.Require().NoError(c.Send(context.Background(), []byte{1}, time.Second))
	// This one exhausts the window and stalls the channel.
	s.Require().NoError(c.Send(context.Background(), []byte{2}, time.Second))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Send(context.Background(), []byte{3}, time.Second)
	}()

	select {
	case <-errCh:
		s.FailNow("send went through while stalled")
	case <-time.After(50 * time.Millisecond):
	}

	s.lb.PeerSendReady(1)
	select {
	case err := <-errCh:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.FailNow("send never resumed")
	}
	s.Len(s.lb.Sent(), 3)
}

func (s *L2CAPSuite) TestFlushTimeout() {
	s.lb.SetSendWindow(1)
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	s.Require().NoError(c.Send(context.Background(), []byte{1}, time.Second))
	s.ErrorIs(c.Flush(context.Background(), 50*time.Millisecond), blehost.ErrTimeout)
}

func (s *L2CAPSuite) TestDisconnectIdempotent() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)

	s.Require().NoError(c.Disconnect(context.Background(), time.Second))
	s.Require().NoError(c.Disconnect(context.Background(), time.Second))
}

func (s *L2CAPSuite) TestSendAfterClose() {
	d := s.connect("c0:ff:ee:00:00:01", 1)
	c := s.openChannel(d, 0x70)
	s.lb.PeerCloseChannel(1, 0)

	s.ErrorIs(c.Send(context.Background(), []byte{1}, time.Second), blehost.ErrChannelDisconnected)
}
