package blehost

import "time"

// HostOption is the configuration surface a host implementation exposes
// so that it can be set up through Options.
type HostOption interface {
	SetLogger(Logger) error
	SetConnectTimeout(time.Duration) error
	SetDisconnectTimeout(time.Duration) error
	SetAcceptBacklog(int) error
}

// An Option is a configuration function, which configures the host.
type Option func(HostOption) error

// OptLogger replaces the host's logger.
func OptLogger(l Logger) Option {
	return func(opt HostOption) error {
		return opt.SetLogger(l)
	}
}

// OptConnectTimeout sets the default deadline for Connect when the
// caller passes none.
func OptConnectTimeout(d time.Duration) Option {
	return func(opt HostOption) error {
		return opt.SetConnectTimeout(d)
	}
}

// OptDisconnectTimeout sets the default deadline for Disconnect when
// the caller passes none.
func OptDisconnectTimeout(d time.Duration) Option {
	return func(opt HostOption) error {
		return opt.SetDisconnectTimeout(d)
	}
}

// OptAcceptBacklog sets how many inbound connections may be queued
// before the router starts refusing them.
func OptAcceptBacklog(n int) Option {
	return func(opt HostOption) error {
		return opt.SetAcceptBacklog(n)
	}
}
