package host_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/host"
	"github.com/corvidae-io/blehost/stack/loopback"
)

// HostSuite runs the core against the loopback stack, playing the
// peer/controller side from the test body.
type HostSuite struct {
	suite.Suite

	lb *loopback.Stack
	h  *host.Host
}

func (s *HostSuite) SetupTest() {
	s.lb = loopback.New()
	h, err := host.New(s.lb,
		blehost.OptConnectTimeout(time.Second),
		blehost.OptDisconnectTimeout(time.Second),
	)
	s.Require().NoError(err)
	s.h = h
}

func (s *HostSuite) TearDownTest() {
	s.h.Close()
}

// connect dials a device and completes the connection with the given
// handle.
func (s *HostSuite) connect(addr string, handle uint16) *host.Device {
	d := s.h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr(addr))
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Connect(context.Background(), time.Second)
	}()

	select {
	case req := <-s.lb.ConnectRequests():
		s.lb.CompleteConnect(req, handle, 0)
	case <-time.After(time.Second):
		s.FailNow("no connect request reached the stack")
	}

	select {
	case err := <-errCh:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.FailNow("connect never completed")
	}
	return d
}

// openChannel dials an L2CAP channel on a connected device.
func (s *HostSuite) openChannel(d *host.Device, psm uint16) *host.Channel {
	type result struct {
		c   *host.Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := d.L2CAPConnect(context.Background(), psm, 128, time.Second)
		resCh <- result{c, err}
	}()

	select {
	case req := <-s.lb.ChannelRequests():
		s.lb.PeerOpenChannel(req.Handle, req.PSM, req.MTU)
	case <-time.After(time.Second):
		s.FailNow("no channel request reached the stack")
	}

	select {
	case res := <-resCh:
		s.Require().NoError(res.err)
		return res.c
	case <-time.After(time.Second):
		s.FailNow("channel connect never completed")
		return nil
	}
}
